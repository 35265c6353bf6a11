package audit

import (
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordEmitsStructuredLine(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	auditLog := NewLogger(logger, nil)

	auditLog.Record(Entry{
		ClientIP:    "203.0.113.5",
		Filename:    "cert_1000.zip",
		Status:      "denied",
		Reason:      "invalid_token",
		TokenMasked: "***abcd",
		UserAgent:   "test-agent",
	})

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, "AUDIT", entry.Message)
	assert.Equal(t, "certificate_access", entry.Data["event"])
	assert.Equal(t, "203.0.113.5", entry.Data["client_ip"])
	assert.Equal(t, "cert_1000.zip", entry.Data["filename"])
	assert.Equal(t, "denied", entry.Data["status"])
	assert.Equal(t, "invalid_token", entry.Data["reason"])
	assert.Equal(t, "***abcd", entry.Data["token_masked"])
}

func TestRecordDefaultsTimestamp(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	auditLog := NewLogger(logger, nil)

	before := time.Now().UTC()
	auditLog.Record(Entry{ClientIP: "203.0.113.5", Status: "success_up_to_date"})

	require.Len(t, hook.Entries, 1)
	assert.False(t, hook.LastEntry().Time.Before(before.Add(-time.Second)))
}

func TestRecordPerEntry(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	auditLog := NewLogger(logger, nil)

	for i := 0; i < 3; i++ {
		auditLog.Record(Entry{ClientIP: "203.0.113.5", Status: "denied"})
	}
	assert.Len(t, hook.Entries, 3)
}
