package updater

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetupdater/internal/cloudapi"
	"fleetupdater/internal/models"
)

type fakeResources struct {
	mu        sync.Mutex
	agents    []models.Agent
	listErr   error
	updateErr map[uuid.UUID]error
	updated   []uuid.UUID
	panicOn   uuid.UUID
}

func (f *fakeResources) Agents(_ context.Context, tenantID uuid.UUID) ([]models.Agent, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.Agent, len(f.agents))
	for i, a := range f.agents {
		a.TenantID = tenantID
		out[i] = a
	}
	return out, nil
}

func (f *fakeResources) RunAutoUpdate(_ context.Context, agentID uuid.UUID) (cloudapi.UpdateAccepted, error) {
	if agentID == f.panicOn {
		panic("unexpected response")
	}
	if err := f.updateErr[agentID]; err != nil {
		return cloudapi.UpdateAccepted{}, err
	}
	f.mu.Lock()
	f.updated = append(f.updated, agentID)
	f.mu.Unlock()
	return cloudapi.UpdateAccepted{AgentID: agentID, ActivityID: uuid.New()}, nil
}

func opener(res ResourceClient, err error) ScopeOpener {
	return func(context.Context, uuid.UUID) (ResourceClient, error) {
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

var (
	testTenant = models.Tenant{ID: uuid.New(), Name: "Customer", Kind: models.KindCustomer, ParentID: uuid.New(), ParentName: "Partner"}
	testUser   = models.User{ID: uuid.New(), Username: "owner", PersonalTenantID: uuid.New()}
	fixedNow   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newTestDispatcher(open ScopeOpener, opts ...Option) (*Dispatcher, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewDispatcher(open, log, opts...), hook
}

func entriesAt(hook *test.Hook, level logrus.Level) []*logrus.Entry {
	var out []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

func outdatedAgent(name string) models.Agent {
	return models.Agent{ID: uuid.New(), Hostname: name, OS: "Windows", CurrentVersion: "15.0.36432", AvailableVersion: "15.0.36524", Online: true, UpdateAvailable: true}
}

func TestOfflineAgentOnlyWarns(t *testing.T) {
	res := &fakeResources{agents: []models.Agent{{ID: uuid.New(), Hostname: "down", Online: false, UpdateAvailable: true}}}
	d, hook := newTestDispatcher(opener(res, nil))

	out := d.ProcessTenantUser(context.Background(), "run", testTenant, testUser)

	assert.NoError(t, out.Err)
	assert.Zero(t, out.Updated)
	assert.Empty(t, out.Records)
	assert.Equal(t, 1, out.Offline)
	assert.Empty(t, res.updated)
	warnings := entriesAt(hook, logrus.WarnLevel)
	require.Len(t, warnings, 1)
	assert.Equal(t, "down", warnings[0].Data["hostname"])
}

func TestOutdatedAgentIsUpdatedOnce(t *testing.T) {
	agent := outdatedAgent("host-1")
	res := &fakeResources{agents: []models.Agent{agent}}
	d, hook := newTestDispatcher(opener(res, nil))

	out := d.ProcessTenantUser(context.Background(), "2026-03-01T12:00:00", testTenant, testUser)

	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Updated)
	assert.Equal(t, []uuid.UUID{agent.ID}, res.updated)
	require.Len(t, out.Records, 1)

	rec := out.Records[0]
	assert.Equal(t, "2026-03-01T12:00:00", rec.RunID)
	assert.Equal(t, agent.ID, rec.AgentID)
	assert.Equal(t, "15.0.36432", rec.VersionBefore)
	assert.Equal(t, "15.0.36524", rec.VersionAfter)
	assert.Equal(t, "host-1", rec.Hostname)
	assert.Equal(t, testTenant.ID, rec.TenantID)
	assert.Equal(t, "Partner", rec.ParentTenantName)
	assert.Equal(t, testTenant.ParentID, rec.ParentTenantID)
	assert.NotEqual(t, uuid.Nil, rec.ActivityID)
	assert.Equal(t, fixedNow, rec.CreatedAt)
	assert.Empty(t, entriesAt(hook, logrus.WarnLevel))
}

func TestTestModeNeverUpdates(t *testing.T) {
	res := &fakeResources{agents: []models.Agent{outdatedAgent("host-1")}}
	d, hook := newTestDispatcher(opener(res, nil), WithTestMode(true))

	out := d.ProcessTenantUser(context.Background(), "run", testTenant, testUser)

	assert.NoError(t, out.Err)
	assert.Zero(t, out.Updated)
	assert.Empty(t, out.Records)
	assert.Equal(t, 1, out.TestSkipped)
	assert.Empty(t, res.updated)

	warnings := entriesAt(hook, logrus.WarnLevel)
	require.Len(t, warnings, 1)
	assert.Equal(t, "test mode, not updating agent", warnings[0].Message)
	assert.Equal(t, "host-1", warnings[0].Data["hostname"])
}

func TestCurrentAgentIsSkipped(t *testing.T) {
	current := models.Agent{ID: uuid.New(), Hostname: "fresh", CurrentVersion: "15.0.36524", Online: true}
	res := &fakeResources{agents: []models.Agent{current}}
	d, hook := newTestDispatcher(opener(res, nil))

	out := d.ProcessTenantUser(context.Background(), "run", testTenant, testUser)

	assert.Equal(t, 1, out.Current)
	assert.Empty(t, res.updated)
	infos := entriesAt(hook, logrus.InfoLevel)
	require.Len(t, infos, 1)
	assert.Equal(t, "agent is already current", infos[0].Message)
}

func TestScopedAuthFailureIsIsolated(t *testing.T) {
	authErr := &cloudapi.AuthError{Kind: cloudapi.ServerError, StatusCode: 500}
	d, hook := newTestDispatcher(opener(nil, authErr))

	out := d.ProcessTenantUser(context.Background(), "run", testTenant, testUser)

	assert.True(t, out.Failed())
	assert.ErrorIs(t, out.Err, authErr)
	assert.Zero(t, out.Updated)
	assert.Len(t, entriesAt(hook, logrus.ErrorLevel), 1)
}

func TestUserWithoutPersonalTenantFails(t *testing.T) {
	called := false
	d, hook := newTestDispatcher(func(context.Context, uuid.UUID) (ResourceClient, error) {
		called = true
		return &fakeResources{}, nil
	})

	ghost := models.User{ID: uuid.New(), Username: "ghost"}
	out := d.ProcessTenantUser(context.Background(), "run", testTenant, ghost)

	assert.ErrorIs(t, out.Err, ErrNoPersonalTenant)
	assert.False(t, called)

	errs := entriesAt(hook, logrus.ErrorLevel)
	require.Len(t, errs, 1)
	assert.Equal(t, ghost.ID, errs[0].Data["user_id"])
	assert.Equal(t, "ghost", errs[0].Data["user"])
}

func TestFailureMidLoopKeepsAcceptedRecords(t *testing.T) {
	first, second, third := outdatedAgent("a"), outdatedAgent("b"), outdatedAgent("c")
	res := &fakeResources{
		agents:    []models.Agent{first, second, third},
		updateErr: map[uuid.UUID]error{second.ID: errors.New("503")},
	}
	d, _ := newTestDispatcher(opener(res, nil))

	out := d.ProcessTenantUser(context.Background(), "run", testTenant, testUser)

	assert.True(t, out.Failed())
	assert.Equal(t, 1, out.Updated)
	require.Len(t, out.Records, 1)
	assert.Equal(t, first.ID, out.Records[0].AgentID)
	assert.Equal(t, []uuid.UUID{first.ID}, res.updated)
}

func TestPanicIsRecovered(t *testing.T) {
	agent := outdatedAgent("boom")
	res := &fakeResources{agents: []models.Agent{agent}, panicOn: agent.ID}
	d, hook := newTestDispatcher(opener(res, nil))

	var out Outcome
	require.NotPanics(t, func() {
		out = d.ProcessTenantUser(context.Background(), "run", testTenant, testUser)
	})
	assert.True(t, out.Failed())
	assert.Contains(t, out.Err.Error(), "unexpected response")
	assert.Len(t, entriesAt(hook, logrus.ErrorLevel), 1)
}

func TestStaleAvailableVersionWarnsButUpdates(t *testing.T) {
	agent := outdatedAgent("odd")
	agent.AvailableVersion = agent.CurrentVersion
	res := &fakeResources{agents: []models.Agent{agent}}
	d, hook := newTestDispatcher(opener(res, nil))

	out := d.ProcessTenantUser(context.Background(), "run", testTenant, testUser)

	assert.Equal(t, 1, out.Updated)
	assert.Len(t, entriesAt(hook, logrus.WarnLevel), 1)
}
