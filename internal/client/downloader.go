// Package client implements the downloading side of the delivery protocol:
// a conditional check against the server's artifact, download on staleness,
// extraction, install with backup, and an operator-configured reload.
package client

import (
	"archive/zip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/certdeliver/internal/config"
)

const (
	maxAttempts    = 3
	backoffFactor  = 2
	reloadTimeout  = 60 * time.Second
	defaultTimeout = 30 * time.Second
)

// certFileNames are the bundle members installed into the destination
// directory, in the order certbot produces them.
var certFileNames = []string{"fullchain.pem", "privkey.pem", "chain.pem", "cert.pem"}

type Downloader struct {
	cfg        *config.ClientConfig
	httpClient *http.Client
	log        *logrus.Entry
}

type loggingTransport struct {
	inner http.RoundTripper
	log   *logrus.Entry
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.inner.RoundTrip(req)
	fields := logrus.Fields{
		"method":   req.Method,
		"url":      req.URL.Redacted(),
		"duration": time.Since(start),
	}
	if err != nil {
		t.log.WithFields(fields).WithError(err).Warn("Request failed")
		return nil, err
	}
	fields["status"] = resp.StatusCode
	t.log.WithFields(fields).Debug("Request completed")
	return resp, nil
}

func NewDownloader(logger *logrus.Logger, cfg *config.ClientConfig) *Downloader {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Downloader{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &loggingTransport{
				inner: transport,
				log:   logger.WithField("component", "client_transport"),
			},
		},
		log: logger.WithField("component", "downloader"),
	}
}

// Update checks the server for a newer certificate bundle and installs it.
// It returns true when a new bundle was installed.
func (d *Downloader) Update(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(d.cfg.LocalCacheDir, 0700); err != nil {
		return false, fmt.Errorf("create cache dir: %w", err)
	}

	cached := d.cachedArtifact()

	var content []byte
	var serverName string
	var err error

	if cached == "" {
		d.log.Info("No local certificate, requesting initial download")
		requestName := fmt.Sprintf("%s_%d", d.cfg.CertName, time.Now().Unix())
		content, serverName, err = d.fetch(ctx, requestName, true)
	} else {
		d.log.WithField("local", filepath.Base(cached)).Info("Checking for updates")
		content, serverName, err = d.fetch(ctx, strings.TrimSuffix(filepath.Base(cached), ".zip"), false)
	}
	if err != nil {
		return false, err
	}
	if content == nil {
		d.log.Info("Certificate is up to date")
		return false, nil
	}

	if serverName == "" {
		serverName = fmt.Sprintf("%s_%d.zip", d.cfg.CertName, time.Now().Unix())
	}
	newPath := filepath.Join(d.cfg.LocalCacheDir, serverName)
	if err := os.WriteFile(newPath, content, 0600); err != nil {
		return false, fmt.Errorf("save downloaded bundle: %w", err)
	}

	if cached != "" && cached != newPath {
		os.Remove(cached)
	}

	if err := d.install(newPath); err != nil {
		return false, err
	}

	if err := d.runPostUpdate(ctx); err != nil {
		// The bundle is already installed; a failed reload is reported
		// but does not roll it back.
		d.log.WithError(err).Warn("Post-update command failed")
	}

	return true, nil
}

// cachedArtifact returns the newest cached bundle for the configured name,
// or "" when none exists.
func (d *Downloader) cachedArtifact() string {
	matches, err := filepath.Glob(filepath.Join(d.cfg.LocalCacheDir, d.cfg.CertName+"_*.zip"))
	if err != nil || len(matches) == 0 {
		return ""
	}

	newest := matches[0]
	var newestMod time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if info.ModTime().After(newestMod) {
			newestMod = info.ModTime()
			newest = m
		}
	}
	return newest
}

// fetch requests the artifact, retrying transient failures with doubling
// backoff. Client errors (4xx) are terminal. A nil content with nil error
// means the server reported the bundle up to date.
func (d *Downloader) fetch(ctx context.Context, remoteName string, download bool) ([]byte, string, error) {
	requestURL := fmt.Sprintf("%s/%s?%s",
		strings.TrimSuffix(d.cfg.ServerURL, "/"),
		url.PathEscape(remoteName),
		url.Values{
			"token":    {d.cfg.Token},
			"download": {fmt.Sprintf("%t", download)},
		}.Encode())

	delay := time.Second
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		content, serverName, retryable, err := d.fetchOnce(ctx, requestURL)
		if err == nil {
			return content, serverName, nil
		}
		lastErr = err
		if !retryable {
			return nil, "", err
		}

		d.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
		}).Warn("Certificate fetch failed")

		if attempt < maxAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
			delay *= backoffFactor
		}
	}

	return nil, "", fmt.Errorf("fetch failed after %d attempts: %w", maxAttempts, lastErr)
}

func (d *Downloader) fetchOnce(ctx context.Context, requestURL string) (content []byte, serverName string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, "", false, err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, "", true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", true, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if isFileResponse(resp) {
			return body, filenameFromDisposition(resp.Header.Get("Content-Disposition")), false, nil
		}
		// JSON body: up to date.
		return nil, "", false, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, "", false, fmt.Errorf("server rejected request: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))

	default:
		return nil, "", true, fmt.Errorf("server error: %d", resp.StatusCode)
	}
}

func isFileResponse(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return strings.Contains(ct, "application/zip") ||
		strings.Contains(ct, "application/octet-stream") ||
		resp.Header.Get("Content-Disposition") != ""
}

func filenameFromDisposition(cd string) string {
	for _, part := range strings.Split(cd, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "filename=") {
			return strings.Trim(strings.TrimPrefix(part, "filename="), `"`)
		}
	}
	return ""
}

// install extracts the bundle and moves the certificate files into the
// destination directory, keeping the previous install as a .bak backup.
func (d *Downloader) install(zipPath string) error {
	tmpDir, err := os.MkdirTemp("", "certdeliver-extract-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := extractZip(zipPath, tmpDir); err != nil {
		return fmt.Errorf("extract bundle: %w", err)
	}

	dest := d.cfg.CertDestPath
	if _, err := os.Stat(dest); err == nil {
		backup := dest + ".bak"
		if err := os.RemoveAll(backup); err != nil {
			return fmt.Errorf("clear previous backup: %w", err)
		}
		d.log.WithField("backup", backup).Info("Backing up existing certificates")
		if err := os.Rename(dest, backup); err != nil {
			return fmt.Errorf("backup existing certificates: %w", err)
		}
	}

	if err := os.MkdirAll(dest, 0700); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	var installed []string
	for _, name := range certFileNames {
		src := filepath.Join(tmpDir, name)
		data, err := os.ReadFile(src)
		if err != nil {
			continue
		}
		if err := os.WriteFile(filepath.Join(dest, name), data, 0600); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
		installed = append(installed, name)
	}

	if len(installed) == 0 {
		return errors.New("no certificate files found in bundle")
	}

	d.log.WithField("files", installed).Info("Certificate installation complete")
	return nil
}

func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		// Flattened archive: reject any entry that would escape destDir.
		name := filepath.Base(f.Name)
		if f.FileInfo().IsDir() || name != f.Name {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(destDir, name), data, 0600); err != nil {
			return err
		}
	}
	return nil
}

func (d *Downloader) runPostUpdate(ctx context.Context) error {
	if d.cfg.PostUpdateCommand == "" {
		return nil
	}

	d.log.WithField("command", d.cfg.PostUpdateCommand).Info("Running post-update command")

	cmdCtx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", d.cfg.PostUpdateCommand)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("post-update command: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}
