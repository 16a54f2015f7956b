// Package updater inspects the agents of a leaf tenant and dispatches updates
// for the ones that are online and outdated.
package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleetupdater/internal/cloudapi"
	"fleetupdater/internal/models"
	"fleetupdater/internal/version"
)

// ResourceClient lists and updates agents on behalf of one scoped session.
type ResourceClient interface {
	Agents(ctx context.Context, tenantID uuid.UUID) ([]models.Agent, error)
	RunAutoUpdate(ctx context.Context, agentID uuid.UUID) (cloudapi.UpdateAccepted, error)
}

// ScopeOpener authenticates into a user's personal tenant.
type ScopeOpener func(ctx context.Context, personalTenantID uuid.UUID) (ResourceClient, error)

// ErrNoPersonalTenant is returned for users without a personal tenant to
// scope into.
var ErrNoPersonalTenant = errors.New("user has no personal tenant")

// Outcome tallies what happened to one (tenant, user) pair.
type Outcome struct {
	Updated     int
	Records     []models.UpdateRecord
	Offline     int
	Current     int
	TestSkipped int
	// Err is set when the pair failed part way. Records accepted before the
	// failure are kept.
	Err error
}

// Failed reports whether processing the pair stopped on an error.
func (o Outcome) Failed() bool { return o.Err != nil }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTestMode makes the dispatcher log updates it would send without
// sending them.
func WithTestMode(on bool) Option {
	return func(d *Dispatcher) { d.testMode = on }
}

// WithClock overrides the clock stamped on records.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher processes one (tenant, user) pair at a time. It is safe for
// concurrent use.
type Dispatcher struct {
	open     ScopeOpener
	log      logrus.FieldLogger
	testMode bool
	now      func() time.Time
}

// NewDispatcher returns a Dispatcher opening scoped sessions with open.
func NewDispatcher(open ScopeOpener, log logrus.FieldLogger, opts ...Option) *Dispatcher {
	d := &Dispatcher{open: open, log: log, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ProcessTenantUser scopes into user's personal tenant, lists tenant's agents
// and requests an update for every online agent that has one available.
// Failures never escape: they end processing of this pair and are reported in
// Outcome.Err.
func (d *Dispatcher) ProcessTenantUser(ctx context.Context, runID string, tenant models.Tenant, user models.User) (out Outcome) {
	log := d.log.WithFields(logrus.Fields{
		"run_id":    runID,
		"tenant":    tenant.Name,
		"tenant_id": tenant.ID,
		"user":      user.Username,
		"user_id":   user.ID,
	})

	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("panic: %v", r)
			log.WithField("panic", r).Error("processing tenant user panicked")
		}
	}()

	if err := d.process(ctx, log, runID, tenant, user, &out); err != nil {
		out.Err = err
		log.WithError(err).Error("failed to process tenant user")
	}
	return out
}

func (d *Dispatcher) process(ctx context.Context, log logrus.FieldLogger, runID string, tenant models.Tenant, user models.User, out *Outcome) error {
	if user.PersonalTenantID == uuid.Nil {
		return ErrNoPersonalTenant
	}

	client, err := d.open(ctx, user.PersonalTenantID)
	if err != nil {
		return fmt.Errorf("scoped authentication: %w", err)
	}

	agents, err := client.Agents(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	log.WithField("agents", len(agents)).Debug("fetched agents")

	for _, a := range agents {
		alog := log.WithFields(logrus.Fields{
			"agent":    a.ID,
			"hostname": a.Hostname,
			"version":  a.CurrentVersion,
		})

		switch {
		case !a.Online:
			out.Offline++
			alog.Warn("agent is offline, skipping")
			continue
		case !a.UpdateAvailable:
			out.Current++
			alog.Info("agent is already current")
			continue
		}

		alog = alog.WithField("available_version", a.AvailableVersion)
		if !version.IsNewer(a.CurrentVersion, a.AvailableVersion) {
			alog.Warn("update flagged but available version is not newer, dispatching anyway")
		}

		if d.testMode {
			out.TestSkipped++
			alog.Warn("test mode, not updating agent")
			continue
		}

		accepted, err := client.RunAutoUpdate(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("update agent %s (%s): %w", a.Hostname, a.ID, err)
		}
		out.Updated++
		out.Records = append(out.Records, models.UpdateRecord{
			RunID:            runID,
			AgentID:          a.ID,
			TenantID:         tenant.ID,
			TenantName:       tenant.Name,
			ParentTenantID:   tenant.ParentID,
			ParentTenantName: tenant.ParentName,
			Hostname:         a.Hostname,
			OS:               a.OS,
			VersionBefore:    a.CurrentVersion,
			VersionAfter:     a.AvailableVersion,
			ActivityID:       accepted.ActivityID,
			CreatedAt:        d.now().UTC(),
		})
		alog.WithField("activity_id", accepted.ActivityID).Info("agent update accepted")
	}
	return nil
}
