// Package httpserver runs the delivery server's listeners. TLS termination
// is normally handled by a fronting proxy; the built-in self-signed
// listener exists for lab setups without one.
package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/certdeliver/internal/config"
)

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"CertDeliver"},
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:  x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derBytes,
	})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	return tls.X509KeyPair(certPEM, keyPEM)
}

// Run starts the HTTP listener, plus a self-signed HTTPS listener when
// enabled, and blocks until ctx is cancelled. Both listeners get a grace
// period to drain in-flight transfers on shutdown.
func Run(ctx context.Context, logger *logrus.Logger, cfg *config.ServerConfig, handler http.Handler) error {
	log := logger.WithField("component", "http_server")

	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 2)

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var httpsServer *http.Server
	if cfg.TLSEnabled {
		cert, err := generateSelfSignedCert()
		if err != nil {
			return err
		}

		httpsServer = &http.Server{
			Addr:        cfg.TLSListenAddr,
			Handler:     handler,
			ReadTimeout: 30 * time.Second,
			TLSConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
			},
		}

		go func() {
			log.WithField("addr", cfg.TLSListenAddr).Info("Starting HTTPS server")
			if err := httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown error")
	}
	if httpsServer != nil {
		if err := httpsServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTPS server shutdown error")
		}
	}

	return nil
}
