package auth

import (
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T, tokens map[string][]string) *Validator {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewValidator(logger, tokens, 5)
}

func TestValidateMasterToken(t *testing.T) {
	v := newTestValidator(t, map[string][]string{"master-secret": {"*"}})

	ok, reason := v.Validate("master-secret", "cert_1000.zip", "10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, DenyNone, reason)
}

func TestValidateScopedPatterns(t *testing.T) {
	v := newTestValidator(t, map[string][]string{
		"web-token": {"web_*", "shared_*.zip"},
	})

	ok, _ := v.Validate("web-token", "web_1000.zip", "")
	assert.True(t, ok, "web_* should match web_1000.zip")

	ok, _ = v.Validate("web-token", "shared_500.zip", "")
	assert.True(t, ok)

	ok, reason := v.Validate("web-token", "mail_1000.zip", "")
	assert.False(t, ok)
	assert.Equal(t, DenyUnauthorizedResource, reason)
}

func TestValidateEmptyToken(t *testing.T) {
	v := newTestValidator(t, map[string][]string{"secret": {"*"}})

	ok, reason := v.Validate("", "cert_1000.zip", "10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, DenyInvalidToken, reason)
}

func TestValidateUnknownToken(t *testing.T) {
	v := newTestValidator(t, map[string][]string{"secret": {"*"}})

	ok, reason := v.Validate("wrong", "cert_1000.zip", "10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, DenyInvalidToken, reason)
}

func TestBlockingAfterThreshold(t *testing.T) {
	v := newTestValidator(t, map[string][]string{"secret": {"*"}})
	ip := "192.0.2.7"

	for i := 0; i < 4; i++ {
		v.Validate("wrong", "cert_1000.zip", ip)
		assert.False(t, v.IsBlocked(ip), "should not block before 5th failure (failure %d)", i+1)
	}

	v.Validate("wrong", "cert_1000.zip", ip)
	assert.True(t, v.IsBlocked(ip), "should block exactly at the 5th failure")
}

func TestSuccessResetsCounter(t *testing.T) {
	v := newTestValidator(t, map[string][]string{"secret": {"*"}})
	ip := "192.0.2.8"

	for i := 0; i < 4; i++ {
		v.Validate("wrong", "cert_1000.zip", ip)
	}

	ok, _ := v.Validate("secret", "cert_1000.zip", ip)
	require.True(t, ok)
	assert.False(t, v.IsBlocked(ip))

	// Counter starts from zero again after the reset.
	for i := 0; i < 4; i++ {
		v.Validate("wrong", "cert_1000.zip", ip)
	}
	assert.False(t, v.IsBlocked(ip))
}

func TestResetAttempts(t *testing.T) {
	v := newTestValidator(t, map[string][]string{"secret": {"*"}})
	ip := "192.0.2.9"

	for i := 0; i < 5; i++ {
		v.Validate("wrong", "cert_1000.zip", ip)
	}
	require.True(t, v.IsBlocked(ip))

	v.ResetAttempts(ip)
	assert.False(t, v.IsBlocked(ip))
}

func TestValidateWithoutClientIPDoesNotTrack(t *testing.T) {
	v := newTestValidator(t, map[string][]string{"secret": {"*"}})

	for i := 0; i < 10; i++ {
		v.Validate("wrong", "cert_1000.zip", "")
	}
	assert.False(t, v.IsBlocked(""))
}

func TestConcurrentFailures(t *testing.T) {
	v := newTestValidator(t, map[string][]string{"secret": {"*"}})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ip := fmt.Sprintf("198.51.100.%d", n%4)
			v.Validate("wrong", "cert_1000.zip", ip)
		}(i)
	}
	wg.Wait()

	for n := 0; n < 4; n++ {
		assert.True(t, v.IsBlocked(fmt.Sprintf("198.51.100.%d", n)))
	}
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "none", MaskToken(""))
	assert.Equal(t, "***", MaskToken("abcd"))
	assert.Equal(t, "***6789", MaskToken("123456789"))
}
