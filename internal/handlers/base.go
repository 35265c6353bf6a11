package handlers

import (
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/certdeliver/internal/artifact"
	"github.com/sdko-org/certdeliver/internal/audit"
	"github.com/sdko-org/certdeliver/internal/auth"
	"github.com/sdko-org/certdeliver/internal/config"
	"github.com/sdko-org/certdeliver/internal/whitelist"
)

// CertHandler serves the certificate delivery endpoint. All collaborators
// are injected at construction; the handler itself holds no mutable state.
type CertHandler struct {
	cfg       *config.ServerConfig
	validator *auth.Validator
	whitelist *whitelist.Cache
	store     *artifact.Store
	audit     *audit.Logger
	log       *logrus.Entry
}

func NewCertHandler(logger *logrus.Logger, cfg *config.ServerConfig, validator *auth.Validator, wl *whitelist.Cache, store *artifact.Store, auditLog *audit.Logger) *CertHandler {
	return &CertHandler{
		cfg:       cfg,
		validator: validator,
		whitelist: wl,
		store:     store,
		audit:     auditLog,
		log:       logger.WithField("component", "cert_handler"),
	}
}

// getClientIP extracts the client IP from proxy headers, falling back to
// the connection address. Trusting X-Forwarded-For / X-Real-IP is only safe
// when the server sits behind a controlled reverse proxy that overwrites
// them.
func getClientIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		var err error
		ip, _, err = net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
	}
	if strings.Contains(ip, ",") {
		parts := strings.Split(ip, ",")
		ip = parts[0]
	}
	return strings.TrimSpace(ip)
}
