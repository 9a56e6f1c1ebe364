package canary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"modeld/pkg/config"
	"modeld/pkg/events"
	"modeld/pkg/render"
	"modeld/services/registry"
	"modeld/services/signals"
)

type fakeHealth struct {
	summary signals.Summary
	err     error
}

func (f *fakeHealth) WindowSummary(context.Context, uuid.UUID, time.Time, time.Time) (signals.Summary, error) {
	return f.summary, f.err
}

func healthySummary() signals.Summary {
	return signals.Summary{Requests: 1000, Errors: 1, ErrorRate: 0.001, LatencyP95: 120, Samples: 10}
}

type published struct {
	subject string
	payload any
}

type fakePub struct {
	mu     sync.Mutex
	events []published
}

func (f *fakePub) Publish(_ context.Context, subj string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{subject: subj, payload: v})
	return nil
}

func (f *fakePub) bySubject(subj string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, e := range f.events {
		if e.subject == subj {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	ctrl   *Controller
	reg    *registry.Registry
	pub    *fakePub
	health *fakeHealth
	clock  time.Time
	cfg    config.CanaryConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "canary.db") + "?_pragma=busy_timeout(10000)"
	orm, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// Column defaults in the deployment model are Postgres-specific, so the
	// sqlite fixture lays out the tables by hand, including the registry
	// tables and the partial index that serialises canary starts.
	for _, stmt := range []string{
		`CREATE TABLE canary_deployments (
			id text PRIMARY KEY, artifact_id text UNIQUE, tenant_id text, name text,
			traffic_fraction real, stage integer, window_start datetime,
			deadline datetime, error_rate real, latency_p95 real,
			decision text, reason text, created_at datetime, updated_at datetime)`,
		`CREATE UNIQUE INDEX idx_one_pending_canary_per_model
			ON canary_deployments (tenant_id, name) WHERE decision = 'pending'`,
		`CREATE TABLE model_artifacts (
			id text PRIMARY KEY, tenant_id text, name text, version text,
			framework text, type text, tags text, digest text, state text,
			revision integer, created_at datetime, updated_at datetime)`,
		`CREATE TABLE state_transitions (
			id integer PRIMARY KEY AUTOINCREMENT, artifact_id text, from_state text,
			to_state text, actor text, reason text, at datetime)`,
		`CREATE TABLE audit (
			id integer PRIMARY KEY AUTOINCREMENT, actor text, action text,
			obj text, details text, at datetime)`,
	} {
		require.NoError(t, orm.Exec(stmt).Error)
	}

	reg, err := registry.New(orm)
	require.NoError(t, err)

	engine, err := render.New()
	require.NoError(t, err)

	cfg := config.CanaryConfig{
		Ramp:           []float64{0.01, 0.1, 0.5, 1},
		Window:         time.Minute,
		Cadence:        time.Second,
		Deadline:       time.Hour,
		MetricsTimeout: time.Second,
		MaxErrorRate:   0.01,
		MaxLatencyP95:  500,
	}

	pub := &fakePub{}
	health := &fakeHealth{summary: healthySummary()}
	ctrl, err := New(orm, reg, health, pub, engine, cfg, nil)
	require.NoError(t, err)

	f := &fixture{ctrl: ctrl, reg: reg, pub: pub, health: health, cfg: cfg,
		clock: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)}
	ctrl.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) validatedRecord(t *testing.T, version string) registry.Record {
	t.Helper()

	sum := sha256.Sum256([]byte("weights " + version))
	rec, err := f.reg.Create(context.Background(), registry.Draft{
		TenantID: "tenant-1",
		Name:     "ranker",
		Version:  version,
		Digest:   hex.EncodeToString(sum[:]),
	})
	require.NoError(t, err)
	rec, err = f.reg.Transition(context.Background(), rec.ID, registry.StateUploaded, registry.StateValidating, "test")
	require.NoError(t, err)
	rec, err = f.reg.Transition(context.Background(), rec.ID, registry.StateValidating, registry.StateValidated, "test")
	require.NoError(t, err)
	return rec
}

func (f *fixture) advancePastWindow(t *testing.T, dep Deployment) {
	t.Helper()
	f.clock = f.clock.Add(f.cfg.Window + time.Second)
	require.NoError(t, f.ctrl.Advance(context.Background(), dep.ID))
}

func TestStartSchedulesFirstStage(t *testing.T) {
	f := newFixture(t)
	rec := f.validatedRecord(t, "1.0.0")

	dep, err := f.ctrl.Start(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, 0.01, dep.TrafficFraction)
	require.Equal(t, 0, dep.Stage)
	require.Equal(t, DecisionPending, dep.Decision)

	after, err := f.reg.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateCanaryActive, after.State)

	require.Len(t, f.pub.bySubject(events.SubjectCanaryRollout), 1)
	require.Len(t, f.pub.bySubject(events.SubjectCanaryStarted), 1)

	rollout := f.pub.bySubject(events.SubjectCanaryRollout)[0].payload.(events.CanaryRollout)
	require.Contains(t, rollout.Manifest, "trafficFraction: 0.0100")
	require.Contains(t, rollout.Manifest, rec.Digest)
}

func TestStartIsIdempotentUnderRedelivery(t *testing.T) {
	f := newFixture(t)
	rec := f.validatedRecord(t, "1.0.0")

	first, err := f.ctrl.Start(context.Background(), rec.ID)
	require.NoError(t, err)

	second, err := f.ctrl.Start(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, f.pub.bySubject(events.SubjectCanaryStarted), 1)
}

func TestStartBlockedWhileSiblingCanaryRuns(t *testing.T) {
	f := newFixture(t)
	first := f.validatedRecord(t, "1.0.0")
	second := f.validatedRecord(t, "2.0.0")

	_, err := f.ctrl.Start(context.Background(), first.ID)
	require.NoError(t, err)

	// Same tenant and name: the second candidate must wait its turn.
	_, err = f.ctrl.Start(context.Background(), second.ID)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	parked, err := f.reg.Get(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateValidated, parked.State)

	require.NoError(t, f.ctrl.Abort(context.Background(), first.ID, "bob", "make room"))
	_, err = f.ctrl.Start(context.Background(), second.ID)
	require.NoError(t, err)
}

func TestRampFollowsScheduleExactly(t *testing.T) {
	f := newFixture(t)
	rec := f.validatedRecord(t, "1.0.0")

	dep, err := f.ctrl.Start(context.Background(), rec.ID)
	require.NoError(t, err)

	// Advancing inside the window does nothing.
	require.NoError(t, f.ctrl.Advance(context.Background(), dep.ID))
	unchanged, err := f.ctrl.ByArtifact(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, 0.01, unchanged.TrafficFraction)

	for _, want := range []float64{0.1, 0.5, 1} {
		f.advancePastWindow(t, dep)
		current, err := f.ctrl.ByArtifact(context.Background(), rec.ID)
		require.NoError(t, err)
		require.Equal(t, want, current.TrafficFraction)
		require.Equal(t, DecisionPending, current.Decision)
	}

	// One more healthy window at full traffic decides the deployment.
	f.advancePastWindow(t, dep)
	final, err := f.ctrl.ByArtifact(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, DecisionHealthy, final.Decision)

	// Promotion stays manual: the record remains canary_active.
	after, err := f.reg.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateCanaryActive, after.State)

	finished := f.pub.bySubject(events.SubjectCanaryFinished)
	require.Len(t, finished, 1)
	require.Equal(t, string(DecisionHealthy), finished[0].payload.(events.CanaryFinished).Decision)
}

func TestUnhealthyWindowRollsBackRegardlessOfPriorHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.validatedRecord(t, "1.0.0")

	dep, err := f.ctrl.Start(context.Background(), rec.ID)
	require.NoError(t, err)

	// Two healthy windows first.
	f.advancePastWindow(t, dep)
	f.advancePastWindow(t, dep)

	f.health.summary = signals.Summary{Requests: 1000, Errors: 100, ErrorRate: 0.1, LatencyP95: 120, Samples: 10}
	f.advancePastWindow(t, dep)

	final, err := f.ctrl.ByArtifact(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, DecisionUnhealthy, final.Decision)
	require.Equal(t, 0.0, final.TrafficFraction)

	after, err := f.reg.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateRolledBack, after.State)

	// Further advances are no-ops on a decided deployment.
	f.advancePastWindow(t, dep)
	again, err := f.ctrl.ByArtifact(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, DecisionUnhealthy, again.Decision)
}

func TestLatencyBreachRollsBack(t *testing.T) {
	f := newFixture(t)
	rec := f.validatedRecord(t, "1.0.0")

	dep, err := f.ctrl.Start(context.Background(), rec.ID)
	require.NoError(t, err)

	f.health.summary = signals.Summary{Requests: 1000, Errors: 0, ErrorRate: 0, LatencyP95: 5000, Samples: 10}
	f.advancePastWindow(t, dep)

	final, err := f.ctrl.ByArtifact(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, DecisionUnhealthy, final.Decision)
	require.Contains(t, final.Reason, "latency_p95")
}

func TestDeadlineFailsClosed(t *testing.T) {
	f := newFixture(t)
	rec := f.validatedRecord(t, "1.0.0")

	dep, err := f.ctrl.Start(context.Background(), rec.ID)
	require.NoError(t, err)

	f.clock = f.clock.Add(f.cfg.Deadline + time.Minute)
	require.NoError(t, f.ctrl.Advance(context.Background(), dep.ID))

	final, err := f.ctrl.ByArtifact(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, DecisionTimedOut, final.Decision)
	require.Equal(t, 0.0, final.TrafficFraction)

	after, err := f.reg.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateCanaryTimedOut, after.State)
}

func TestMissedWindowRestartsWithoutRollback(t *testing.T) {
	f := newFixture(t)
	rec := f.validatedRecord(t, "1.0.0")

	dep, err := f.ctrl.Start(context.Background(), rec.ID)
	require.NoError(t, err)

	f.health.err = errors.New("metrics backend unreachable")
	f.advancePastWindow(t, dep)

	current, err := f.ctrl.ByArtifact(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, DecisionPending, current.Decision)
	require.Equal(t, 0.01, current.TrafficFraction)
	require.Equal(t, f.clock, current.WindowStart.UTC())

	// Signal returns and the ramp proceeds from where it left off.
	f.health.err = nil
	f.advancePastWindow(t, dep)
	current, err = f.ctrl.ByArtifact(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, 0.1, current.TrafficFraction)
}

func TestEmptyWindowCountsAsMissed(t *testing.T) {
	f := newFixture(t)
	rec := f.validatedRecord(t, "1.0.0")

	dep, err := f.ctrl.Start(context.Background(), rec.ID)
	require.NoError(t, err)

	f.health.summary = signals.Summary{}
	f.advancePastWindow(t, dep)

	current, err := f.ctrl.ByArtifact(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, DecisionPending, current.Decision)
	require.Equal(t, 0.01, current.TrafficFraction)
}

func TestAbortIsIdempotent(t *testing.T) {
	f := newFixture(t)
	rec := f.validatedRecord(t, "1.0.0")

	_, err := f.ctrl.Start(context.Background(), rec.ID)
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Abort(context.Background(), rec.ID, "bob", "bad vibes in prod"))

	final, err := f.ctrl.ByArtifact(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, DecisionAborted, final.Decision)
	require.Equal(t, 0.0, final.TrafficFraction)

	after, err := f.reg.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateRolledBack, after.State)

	// Aborting a settled deployment is a no-op, not an error.
	require.NoError(t, f.ctrl.Abort(context.Background(), rec.ID, "bob", "again"))
}
