package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetupdater/internal/config"
	"fleetupdater/internal/models"
)

// mockSender records calls for assertion.
type mockSender struct {
	mu    sync.Mutex
	urls  []string
	calls []string
	err   error
}

func (m *mockSender) Send(url, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urls = append(m.urls, url)
	m.calls = append(m.calls, message)
	return m.err
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var testMail = config.Mail{Host: "localhost", Port: "25", From: "updater@example.com", To: []string{"ops@example.com"}, Security: "none"}

func setupNotifierTest(t *testing.T) (*mockSender, *Notifier) {
	t.Helper()
	log, _ := test.NewNullLogger()
	sender := &mockSender{}
	return sender, NewNotifier(testMail, sender, log)
}

func updateRecord(tenant, host string) models.UpdateRecord {
	return models.UpdateRecord{
		RunID:            "2026-03-01T12:00:00",
		AgentID:          uuid.New(),
		TenantName:       tenant,
		ParentTenantName: "Partner & Co",
		Hostname:         host,
		OS:               "Windows",
		VersionBefore:    "15.0.36432",
		VersionAfter:     "15.0.36524",
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "Agent Updater updated 1 Agent", Subject(1))
	assert.Equal(t, "Agent Updater updated 2 Agents", Subject(2))
	assert.Equal(t, "Agent Updater updated 0 Agents", Subject(0))
}

func TestNotifyRunSkipsEmptyRun(t *testing.T) {
	sender, n := setupNotifierTest(t)
	require.NoError(t, n.NotifyRun(context.Background(), nil))
	assert.Zero(t, sender.callCount())
}

func TestNotifyRunSendsReport(t *testing.T) {
	sender, n := setupNotifierTest(t)

	records := []models.UpdateRecord{updateRecord("Alpha", "host-a"), updateRecord("Beta", "<host-b>")}
	require.NoError(t, n.NotifyRun(context.Background(), records))
	require.Equal(t, 1, sender.callCount())

	body := sender.calls[0]
	for _, col := range []string{"Parent Tenant", "Tenant", "Hostname", "Agent OS", "Version before", "Version after"} {
		assert.Contains(t, body, "<th>"+col+"</th>")
	}
	assert.Equal(t, 3, strings.Count(body, "<tr>"), "header plus one row per record")
	assert.Contains(t, body, "<td>host-a</td>")
	assert.Contains(t, body, "&lt;host-b&gt;", "values are escaped")
	assert.Contains(t, body, "Partner &amp; Co")
	assert.Contains(t, body, "Agent Updater updated 2 Agents")

	assert.Contains(t, sender.urls[0], "usehtml=yes")
	assert.Contains(t, sender.urls[0], "subject=Agent+Updater+updated+2+Agents")
}

func TestNotifyRunReturnsSendError(t *testing.T) {
	sender, n := setupNotifierTest(t)
	sender.err = errors.New("mock send error")

	err := n.NotifyRun(context.Background(), []models.UpdateRecord{updateRecord("Alpha", "host-a")})
	assert.ErrorIs(t, err, sender.err)
}

func TestNotifyRunRejectsIncompleteMail(t *testing.T) {
	log, _ := test.NewNullLogger()
	sender := &mockSender{}
	n := NewNotifier(config.Mail{Host: "localhost"}, sender, log)

	err := n.NotifyRun(context.Background(), []models.UpdateRecord{updateRecord("Alpha", "host-a")})
	assert.Error(t, err)
	assert.Zero(t, sender.callCount())
}
