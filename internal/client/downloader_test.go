package client

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdko-org/certdeliver/internal/config"
)

func bundleZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range map[string]string{
		"fullchain.pem": "fullchain data",
		"privkey.pem":   "privkey data",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(data))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newTestDownloader(t *testing.T, serverURL string) (*Downloader, *config.ClientConfig) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	base := t.TempDir()
	cfg := &config.ClientConfig{
		ServerURL:     serverURL,
		Token:         "secret",
		CertName:      "cert",
		CertDestPath:  filepath.Join(base, "install"),
		LocalCacheDir: filepath.Join(base, "cache"),
		Timeout:       5 * time.Second,
		VerifySSL:     true,
	}
	return NewDownloader(logger, cfg), cfg
}

func TestFirstRunDownloadsAndInstalls(t *testing.T) {
	bundle := bundleZip(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("token"))
		assert.Equal(t, "true", r.URL.Query().Get("download"))

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="cert_1700000000.zip"`)
		w.Write(bundle)
	}))
	defer srv.Close()

	d, cfg := newTestDownloader(t, srv.URL)
	updated, err := d.Update(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)

	data, err := os.ReadFile(filepath.Join(cfg.CertDestPath, "fullchain.pem"))
	require.NoError(t, err)
	assert.Equal(t, "fullchain data", string(data))

	// The bundle is cached under the server-provided filename.
	_, err = os.Stat(filepath.Join(cfg.LocalCacheDir, "cert_1700000000.zip"))
	assert.NoError(t, err)
}

func TestConditionalCheckUpToDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "false", r.URL.Query().Get("download"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "message": "Certificate is up to date"})
	}))
	defer srv.Close()

	d, cfg := newTestDownloader(t, srv.URL)
	require.NoError(t, os.MkdirAll(cfg.LocalCacheDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.LocalCacheDir, "cert_1700000000.zip"), []byte("cached"), 0600))

	updated, err := d.Update(context.Background())
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestUpdateReplacesCachedBundle(t *testing.T) {
	bundle := bundleZip(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="cert_1700009999.zip"`)
		w.Write(bundle)
	}))
	defer srv.Close()

	d, cfg := newTestDownloader(t, srv.URL)
	require.NoError(t, os.MkdirAll(cfg.LocalCacheDir, 0700))
	old := filepath.Join(cfg.LocalCacheDir, "cert_1700000000.zip")
	require.NoError(t, os.WriteFile(old, []byte("old"), 0600))

	updated, err := d.Update(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err), "old cached bundle should be removed")
	_, err = os.Stat(filepath.Join(cfg.LocalCacheDir, "cert_1700009999.zip"))
	assert.NoError(t, err)
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": "Unauthorized access"})
	}))
	defer srv.Close()

	d, _ := newTestDownloader(t, srv.URL)
	_, err := d.Update(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx responses must not be retried")
}

func TestServerErrorRetried(t *testing.T) {
	var calls int32
	bundle := bundleZip(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="cert_1700000000.zip"`)
		w.Write(bundle)
	}))
	defer srv.Close()

	d, _ := newTestDownloader(t, srv.URL)
	updated, err := d.Update(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestInstallBacksUpPreviousCertificates(t *testing.T) {
	bundle := bundleZip(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="cert_1700000001.zip"`)
		w.Write(bundle)
	}))
	defer srv.Close()

	d, cfg := newTestDownloader(t, srv.URL)
	require.NoError(t, os.MkdirAll(cfg.CertDestPath, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.CertDestPath, "fullchain.pem"), []byte("previous"), 0600))

	_, err := d.Update(context.Background())
	require.NoError(t, err)

	backup, err := os.ReadFile(filepath.Join(cfg.CertDestPath+".bak", "fullchain.pem"))
	require.NoError(t, err)
	assert.Equal(t, "previous", string(backup))

	current, err := os.ReadFile(filepath.Join(cfg.CertDestPath, "fullchain.pem"))
	require.NoError(t, err)
	assert.Equal(t, "fullchain data", string(current))
}

func TestFilenameFromDisposition(t *testing.T) {
	assert.Equal(t, "cert_1.zip", filenameFromDisposition(`attachment; filename="cert_1.zip"`))
	assert.Equal(t, "cert_1.zip", filenameFromDisposition(`attachment; filename=cert_1.zip`))
	assert.Equal(t, "", filenameFromDisposition("attachment"))
	assert.Equal(t, "", filenameFromDisposition(""))
}
