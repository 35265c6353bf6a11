// Package certutil extracts certificate metadata from packaged bundles.
package certutil

import (
	"archive/zip"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrNoCertificate = errors.New("no certificate found in archive")

// Expiry parses PEM certificate data and returns its NotAfter time.
func Expiry(certData []byte) (time.Time, error) {
	block, _ := pem.Decode(certData)
	if block == nil || block.Type != "CERTIFICATE" {
		return time.Time{}, errors.New("no PEM certificate block found")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse certificate: %w", err)
	}
	return cert.NotAfter, nil
}

// ZipCertExpiry opens a zip archive and returns the expiry of the first
// certificate it contains. Leaf files named cert.pem are preferred over
// chain bundles when present.
func ZipCertExpiry(zipPath string) (time.Time, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("open archive %s: %w", zipPath, err)
	}
	defer r.Close()

	candidates := make([]*zip.File, 0, len(r.File))
	for _, f := range r.File {
		if strings.HasSuffix(f.Name, ".pem") || strings.HasSuffix(f.Name, ".crt") {
			if f.Name == "cert.pem" {
				candidates = append([]*zip.File{f}, candidates...)
			} else {
				candidates = append(candidates, f)
			}
		}
	}

	for _, f := range candidates {
		rc, err := f.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		if !strings.Contains(string(data), "-----BEGIN CERTIFICATE-----") {
			continue
		}
		if expiry, err := Expiry(data); err == nil {
			return expiry, nil
		}
	}

	return time.Time{}, ErrNoCertificate
}
