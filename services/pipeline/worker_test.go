package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"modeld/pkg/blob"
	"modeld/pkg/config"
	"modeld/pkg/events"
	"modeld/pkg/render"
	"modeld/services/canary"
	"modeld/services/registry"
	"modeld/services/signals"
	"modeld/services/validator"
)

type fakeBroker struct {
	mu        sync.Mutex
	published []string
}

func (f *fakeBroker) Publish(_ context.Context, subj string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, subj)
	return nil
}

func (f *fakeBroker) QueueSubscribe(context.Context, string, string, string, func(context.Context, []byte) error) (io.Closer, error) {
	return io.NopCloser(nil), nil
}

func (f *fakeBroker) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

type fixture struct {
	worker *Worker
	reg    *registry.Registry
	val    *validator.Validator
	broker *fakeBroker
	store  blob.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "pipeline.db") + "?_pragma=busy_timeout(10000)"
	orm, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	for _, stmt := range []string{
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
		`CREATE TABLE validation_results (
			id integer PRIMARY KEY AUTOINCREMENT, artifact_id text, check_name text,
			outcome text, detail text, required integer, at datetime)`,
		`CREATE TABLE canary_deployments (
			id text PRIMARY KEY, artifact_id text UNIQUE, tenant_id text, name text,
			traffic_fraction real, stage integer, window_start datetime,
			deadline datetime, error_rate real, latency_p95 real,
			decision text, reason text, created_at datetime, updated_at datetime)`,
		`CREATE UNIQUE INDEX idx_one_pending_canary_per_model
			ON canary_deployments (tenant_id, name) WHERE decision = 'pending'`,
		`CREATE UNIQUE INDEX idx_one_promoted_per_model
			ON model_artifacts (tenant_id, name) WHERE state = 'promoted'`,
		`CREATE TABLE health_reports (
			id integer PRIMARY KEY AUTOINCREMENT, deployment_id text,
			requests integer, errors integer, latencies_ms text, at datetime)`,
	} {
		require.NoError(t, orm.Exec(stmt).Error)
	}

	store, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	reg, err := registry.New(orm)
	require.NoError(t, err)

	val, err := validator.New(orm, store)
	require.NoError(t, err)

	health, err := signals.NewStore(orm)
	require.NoError(t, err)

	engine, err := render.New()
	require.NoError(t, err)

	broker := &fakeBroker{}
	cfg := config.CanaryConfig{
		Ramp:           []float64{0.1, 1},
		Window:         time.Minute,
		Cadence:        time.Second,
		Deadline:       time.Hour,
		MetricsTimeout: time.Second,
		MaxErrorRate:   0.05,
		MaxLatencyP95:  500,
	}

	canaries, err := canary.New(orm, reg, health, broker, engine, cfg, nil)
	require.NoError(t, err)

	worker, err := New(reg, val, canaries, broker, cfg, nil)
	require.NoError(t, err)

	return &fixture{worker: worker, reg: reg, val: val, broker: broker, store: store}
}

func (f *fixture) newRecord(t *testing.T) registry.Record {
	t.Helper()

	data := []byte("bundle bytes")
	digest, err := f.store.Put(context.Background(), data)
	require.NoError(t, err)

	rec, err := f.reg.Create(context.Background(), registry.Draft{
		TenantID: "tenant-1",
		Name:     "ranker",
		Version:  "1.0.0",
		Digest:   digest,
	})
	require.NoError(t, err)
	return rec
}

func uploadedEvent(t *testing.T, rec registry.Record) []byte {
	t.Helper()
	data, err := json.Marshal(events.ModelUploaded{
		ArtifactID: rec.ID,
		TenantID:   rec.TenantID,
		Name:       rec.Name,
		Version:    rec.Version,
		Digest:     rec.Digest,
		At:         time.Now().UTC(),
	})
	require.NoError(t, err)
	return data
}

func TestHandleUploadedPassingChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.newRecord(t)

	require.NoError(t, f.val.Register("always-pass", true, 0,
		func(context.Context, registry.Record, blob.Store) error { return nil }))

	require.NoError(t, f.worker.handleUploaded(ctx, uploadedEvent(t, rec)))

	updated, err := f.reg.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateValidated, updated.State)
	require.Contains(t, f.broker.subjects(), events.SubjectModelValidated)
}

func TestHandleUploadedRequiredFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.newRecord(t)

	require.NoError(t, f.val.Register("always-fail", true, 0,
		func(context.Context, registry.Record, blob.Store) error {
			return validator.Fail("weights are garbage")
		}))

	// A determined-unsafe verdict settles the record; the message must ack.
	require.NoError(t, f.worker.handleUploaded(ctx, uploadedEvent(t, rec)))

	updated, err := f.reg.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateValidationFailed, updated.State)
	require.Contains(t, f.broker.subjects(), events.SubjectModelValidationFailed)
	require.NotContains(t, f.broker.subjects(), events.SubjectModelValidated)
}

func TestHandleUploadedIndeterminateRetriesOnRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.newRecord(t)

	attempts := 0
	require.NoError(t, f.val.Register("flaky-store", true, 0,
		func(context.Context, registry.Record, blob.Store) error {
			attempts++
			if attempts == 1 {
				return errors.New("metadata service unreachable")
			}
			return nil
		}))

	evt := uploadedEvent(t, rec)

	// First attempt is indeterminate: the handler errors so the message is
	// nak'd, and the record stays parked in validating.
	require.Error(t, f.worker.handleUploaded(ctx, evt))
	parked, err := f.reg.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateValidating, parked.State)

	// Redelivery re-runs the checks from validating.
	require.NoError(t, f.worker.handleUploaded(ctx, evt))
	updated, err := f.reg.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateValidated, updated.State)
	require.Equal(t, 2, attempts)
}

func TestHandleUploadedDropsBadMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.worker.handleUploaded(ctx, []byte("not json")))

	unknown, err := json.Marshal(events.ModelUploaded{ArtifactID: uuid.New()})
	require.NoError(t, err)
	require.NoError(t, f.worker.handleUploaded(ctx, unknown))
}

func TestHandleUploadedIgnoresSettledRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.newRecord(t)

	require.NoError(t, f.val.Register("always-pass", true, 0,
		func(context.Context, registry.Record, blob.Store) error { return nil }))

	_, err := f.reg.Transition(ctx, rec.ID, registry.StateUploaded, registry.StateValidating, "test")
	require.NoError(t, err)
	_, err = f.reg.Transition(ctx, rec.ID, registry.StateValidating, registry.StateValidationFailed, "test")
	require.NoError(t, err)

	// Late redelivery of the uploaded event must not resurrect the record.
	require.NoError(t, f.worker.handleUploaded(ctx, uploadedEvent(t, rec)))

	updated, err := f.reg.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateValidationFailed, updated.State)
	require.Empty(t, f.broker.subjects())
}

func TestSweepReemitsStrandedUploads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Record committed but its uploaded event never reached the bus.
	stranded := f.newRecord(t)

	// A record already past uploaded must be left alone.
	moved := f.newRecord(t)
	_, err := f.reg.Transition(ctx, moved.ID, registry.StateUploaded, registry.StateValidating, "test")
	require.NoError(t, err)

	f.worker.sweepAge = 0
	time.Sleep(10 * time.Millisecond)
	f.worker.sweepStranded(ctx)

	require.Equal(t, []string{events.SubjectModelUploaded}, f.broker.subjects())

	// The re-emitted event drives the record through validation as usual.
	require.NoError(t, f.val.Register("always-pass", true, 0,
		func(context.Context, registry.Record, blob.Store) error { return nil }))
	require.NoError(t, f.worker.handleUploaded(ctx, uploadedEvent(t, stranded)))
	updated, err := f.reg.Get(ctx, stranded.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateValidated, updated.State)

	// A validated record that never got its canary is swept the same way:
	// one model.validated from the handler, a second from the sweep.
	time.Sleep(10 * time.Millisecond)
	f.worker.sweepStranded(ctx)
	var revalidated int
	for _, subj := range f.broker.subjects() {
		if subj == events.SubjectModelValidated {
			revalidated++
		}
	}
	require.Equal(t, 2, revalidated)

	// A fresh record inside the sweep age is not re-emitted.
	before := len(f.broker.subjects())
	f.worker.sweepAge = time.Hour
	f.newRecord(t)
	f.worker.sweepStranded(ctx)
	require.Len(t, f.broker.subjects(), before)
}

func TestHandleValidatedStartsCanary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.newRecord(t)

	for _, next := range []registry.State{registry.StateValidating, registry.StateValidated} {
		cur, err := f.reg.Get(ctx, rec.ID)
		require.NoError(t, err)
		_, err = f.reg.Transition(ctx, rec.ID, cur.State, next, "test")
		require.NoError(t, err)
	}

	evt, err := json.Marshal(events.ModelValidated{
		ArtifactID: rec.ID,
		TenantID:   rec.TenantID,
		Name:       rec.Name,
		At:         time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, f.worker.handleValidated(ctx, evt))

	updated, err := f.reg.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StateCanaryActive, updated.State)
	require.Contains(t, f.broker.subjects(), events.SubjectCanaryStarted)

	// Redelivery of the same event is a no-op.
	require.NoError(t, f.worker.handleValidated(ctx, evt))
}
