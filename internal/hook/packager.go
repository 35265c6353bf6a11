// Package hook packages a renewed certificate directory into a timestamped
// zip artifact for the delivery server. It is meant to run as a certbot
// deploy hook.
package hook

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/certdeliver/internal/config"
	"github.com/sdko-org/certdeliver/internal/storage"
)

type Packager struct {
	cfg    *config.HookConfig
	mirror *storage.S3Mirror
	log    *logrus.Entry
}

func NewPackager(logger *logrus.Logger, cfg *config.HookConfig) *Packager {
	return &Packager{
		cfg:    cfg,
		mirror: storage.NewS3Mirror(logger, cfg),
		log:    logger.WithField("component", "packager"),
	}
}

func (p *Packager) sourceDir() string {
	return filepath.Join(p.cfg.LiveDir, p.cfg.CertName)
}

func (p *Packager) validate() error {
	info, err := os.Stat(p.sourceDir())
	if err != nil {
		return fmt.Errorf("certificate directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("certificate path %s is not a directory", p.sourceDir())
	}

	for _, required := range []string{"fullchain.pem", "privkey.pem"} {
		if _, err := os.Stat(filepath.Join(p.sourceDir(), required)); err != nil {
			return fmt.Errorf("required certificate file: %w", err)
		}
	}
	return nil
}

// Package zips the live certificate directory into {name}_{ts}.zip in the
// output directory and removes any previous artifact. The archive is
// written to a temp file and renamed into place so a concurrent reader
// never sees a partial file.
func (p *Packager) Package(ctx context.Context) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(p.cfg.OutputDir, 0700); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	filename := fmt.Sprintf("%s_%d.zip", p.cfg.CertName, time.Now().Unix())
	finalPath := filepath.Join(p.cfg.OutputDir, filename)

	previous, err := filepath.Glob(filepath.Join(p.cfg.OutputDir, "*.zip"))
	if err != nil {
		return "", fmt.Errorf("list previous artifacts: %w", err)
	}

	tmp, err := os.CreateTemp(p.cfg.OutputDir, ".packaging-*")
	if err != nil {
		return "", fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := p.writeArchive(tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("publish archive: %w", err)
	}

	for _, old := range previous {
		if old == finalPath {
			continue
		}
		if err := os.Remove(old); err != nil {
			p.log.WithFields(logrus.Fields{
				"artifact": old,
				"error":    err,
			}).Warn("Failed to remove previous artifact")
		}
	}

	if info, err := os.Stat(finalPath); err == nil {
		p.log.WithFields(logrus.Fields{
			"artifact": filename,
			"size_kb":  info.Size() / 1024,
		}).Info("Certificate packaged")
	}

	if p.mirror != nil {
		if err := p.mirror.Upload(ctx, finalPath); err != nil {
			p.log.WithError(err).Warn("S3 mirror upload failed")
		}
	}

	return finalPath, nil
}

func (p *Packager) writeArchive(w io.Writer) error {
	zw := zip.NewWriter(w)

	entries, err := os.ReadDir(p.sourceDir())
	if err != nil {
		return fmt.Errorf("read certificate directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		src, err := os.Open(filepath.Join(p.sourceDir(), entry.Name()))
		if err != nil {
			return fmt.Errorf("open %s: %w", entry.Name(), err)
		}

		dst, err := zw.Create(entry.Name())
		if err != nil {
			src.Close()
			return fmt.Errorf("add %s to archive: %w", entry.Name(), err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			src.Close()
			return fmt.Errorf("write %s to archive: %w", entry.Name(), err)
		}
		src.Close()
	}

	return zw.Close()
}
