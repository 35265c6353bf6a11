// Package auth implements bearer-token validation with per-client failure
// tracking. Each token owns a set of glob patterns scoping which artifact
// filenames it may access.
package auth

import (
	"crypto/subtle"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"
)

// DenyReason distinguishes why a validation failed. Callers report the two
// reasons separately in audit records even when the response code is the
// same.
type DenyReason string

const (
	DenyNone                 DenyReason = ""
	DenyInvalidToken         DenyReason = "invalid_token"
	DenyUnauthorizedResource DenyReason = "unauthorized_resource"
)

type Validator struct {
	tokens      map[string][]string
	maxAttempts int
	log         *logrus.Entry

	mu       sync.Mutex
	attempts map[string]int
}

func NewValidator(logger *logrus.Logger, tokens map[string][]string, maxAttempts int) *Validator {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Validator{
		tokens:      tokens,
		maxAttempts: maxAttempts,
		log:         logger.WithField("component", "token_validator"),
		attempts:    make(map[string]int),
	}
}

// Validate checks the provided token against the configured token map and,
// on a token match, the requested filename against that token's permission
// patterns. A failure increments the client IP's failed-attempt counter; a
// success clears it.
func (v *Validator) Validate(token, filename, clientIP string) (bool, DenyReason) {
	ok, reason := v.check(token, filename)

	if clientIP != "" {
		v.mu.Lock()
		if ok {
			delete(v.attempts, clientIP)
		} else {
			v.attempts[clientIP]++
			if v.attempts[clientIP] >= v.maxAttempts {
				v.log.WithField("client_ip", clientIP).Warn("Too many failed auth attempts")
			}
		}
		v.mu.Unlock()
	}

	return ok, reason
}

func (v *Validator) check(token, filename string) (bool, DenyReason) {
	if token == "" {
		return false, DenyInvalidToken
	}

	for configured, patterns := range v.tokens {
		// Constant-time compare per candidate token to resist timing
		// probes against any single secret.
		if subtle.ConstantTimeCompare([]byte(token), []byte(configured)) != 1 {
			continue
		}
		for _, pattern := range patterns {
			if matched, err := doublestar.Match(pattern, filename); err == nil && matched {
				return true, DenyNone
			}
		}
		return false, DenyUnauthorizedResource
	}

	return false, DenyInvalidToken
}

// IsBlocked reports whether the client IP has reached the failed-attempt
// threshold.
func (v *Validator) IsBlocked(clientIP string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.attempts[clientIP] >= v.maxAttempts
}

// ResetAttempts clears the failed-attempt counter for a client IP.
func (v *Validator) ResetAttempts(clientIP string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.attempts, clientIP)
}

// MaskToken shortens a token for log output, keeping only the last four
// characters visible.
func MaskToken(token string) string {
	if token == "" {
		return "none"
	}
	if len(token) <= 4 {
		return "***"
	}
	return "***" + token[len(token)-4:]
}
