// Package orchestrator sequences one update run: sign in, discover the leaf
// tenants, dispatch updates for every tenant user, then hand the records on.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fleetupdater/internal/cloudapi"
	"fleetupdater/internal/config"
	"fleetupdater/internal/discovery"
	"fleetupdater/internal/models"
	"fleetupdater/internal/updater"
)

// Recorder persists the records of a run.
type Recorder interface {
	RecordUpdates(ctx context.Context, records []models.UpdateRecord) error
}

// Notifier reports the records of a run.
type Notifier interface {
	NotifyRun(ctx context.Context, records []models.UpdateRecord) error
}

// RunSummary is what one run did.
type RunSummary struct {
	RunID       string
	LeafTenants int
	MaxDepth    int
	Updated     int
	Records     []models.UpdateRecord
	Offline     int
	Current     int
	TestSkipped int
	FailedUsers int
	Duration    time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithRecorder stores every run's records with rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithNotifier reports every run's records with n.
func WithNotifier(n Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

// WithClock overrides the clock used for run ids, records and durations.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Runner performs update runs. Each call to Run is a single best-effort pass
// with no retries.
type Runner struct {
	client   *cloudapi.Client
	cfg      config.Config
	exclude  map[uuid.UUID]struct{}
	recorder Recorder
	notifier Notifier
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewRunner returns a Runner signing in to client with cfg's credentials.
// The exclusion list is parsed once here.
func NewRunner(client *cloudapi.Client, cfg config.Config, log logrus.FieldLogger, opts ...Option) *Runner {
	r := &Runner{
		client:  client,
		cfg:     cfg,
		exclude: cfg.ExcludeSet(log),
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type tenantUser struct {
	tenant models.Tenant
	user   models.User
}

// Run performs one update run. Failing to sign in or to discover the tenant
// tree aborts the run. Failures of a single tenant user are logged and
// counted in FailedUsers. Records holds one entry per agent; Updated counts
// every accepted update request. A recorder failure is returned after the notifier
// has been given the records.
func (r *Runner) Run(ctx context.Context) (*RunSummary, error) {
	start := r.now()
	summary := &RunSummary{RunID: models.NewRunID(start)}
	log := r.log.WithField("run_id", summary.RunID)
	log.WithField("test_mode", r.cfg.TestMode).Info("starting update run")

	top, err := r.client.AuthenticateDirect(ctx, r.cfg.Username, r.cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", r.cfg.Username, err)
	}
	me, root, err := top.SignedIn(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve signed-in tenant: %w", err)
	}
	log.WithFields(logrus.Fields{"user": me.Username, "tenant": root.Name}).Info("signed in")

	walker := discovery.NewWalker(top, log, r.cfg.Concurrency)
	tree, err := walker.DiscoverLeafTenants(ctx, root, r.exclude)
	if err != nil {
		return nil, fmt.Errorf("discover tenants: %w", err)
	}
	summary.LeafTenants = len(tree.LeafTenants)
	summary.MaxDepth = tree.MaxDepth

	var pairs []tenantUser
	for _, t := range tree.LeafTenants {
		if len(t.Users) == 0 {
			log.WithFields(logrus.Fields{"tenant": t.Name, "tenant_id": t.ID}).Debug("leaf tenant has no users")
		}
		for _, u := range t.Users {
			pairs = append(pairs, tenantUser{tenant: t, user: u})
		}
	}

	dispatcher := updater.NewDispatcher(r.openScope(top), log,
		updater.WithTestMode(r.cfg.TestMode),
		updater.WithClock(r.now),
	)

	outcomes := make([]updater.Outcome, len(pairs))
	var g errgroup.Group
	g.SetLimit(max(r.cfg.Concurrency, 1))
	for i, p := range pairs {
		g.Go(func() error {
			outcomes[i] = dispatcher.ProcessTenantUser(ctx, summary.RunID, p.tenant, p.user)
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[uuid.UUID]struct{})
	for _, o := range outcomes {
		summary.Updated += o.Updated
		for _, rec := range o.Records {
			// Users of one tenant can see the same agent; a run keeps one
			// record per agent.
			if _, dup := seen[rec.AgentID]; dup {
				log.WithFields(logrus.Fields{
					"agent":       rec.AgentID,
					"hostname":    rec.Hostname,
					"activity_id": rec.ActivityID,
				}).Warn("agent already recorded in this run, dropping duplicate record")
				continue
			}
			seen[rec.AgentID] = struct{}{}
			summary.Records = append(summary.Records, rec)
		}
		summary.Offline += o.Offline
		summary.Current += o.Current
		summary.TestSkipped += o.TestSkipped
		if o.Failed() {
			summary.FailedUsers++
		}
	}

	var recordErr error
	if r.recorder != nil && len(summary.Records) > 0 {
		if err := r.recorder.RecordUpdates(ctx, summary.Records); err != nil {
			log.WithError(err).Error("failed to record updates")
			recordErr = fmt.Errorf("record updates: %w", err)
		}
	}
	if r.notifier != nil {
		if err := r.notifier.NotifyRun(ctx, summary.Records); err != nil {
			log.WithError(err).Error("failed to send update report")
		}
	}

	summary.Duration = r.now().Sub(start)
	log.WithFields(logrus.Fields{
		"leaf_tenants": summary.LeafTenants,
		"max_depth":    summary.MaxDepth,
		"updated":      summary.Updated,
		"offline":      summary.Offline,
		"current":      summary.Current,
		"test_skipped": summary.TestSkipped,
		"failed_users": summary.FailedUsers,
		"duration":     summary.Duration,
	}).Info("update run finished")
	return summary, recordErr
}

// openScope opens sessions scoped from top. Every (tenant, user) pair gets a
// fresh session.
func (r *Runner) openScope(top *cloudapi.Session) updater.ScopeOpener {
	return func(ctx context.Context, personalTenantID uuid.UUID) (updater.ResourceClient, error) {
		s, err := r.client.AuthenticateScoped(ctx, top, personalTenantID)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
