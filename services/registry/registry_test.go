package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"modeld/pkg/db"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "registry.db") + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	orm, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// The production schema comes from the goose migration, whose column
	// defaults are Postgres-specific; mirror its shape (and the partial
	// unique index guarding promotion) in sqlite terms.
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
		`CREATE UNIQUE INDEX idx_one_promoted_per_model
			ON model_artifacts (tenant_id, name) WHERE state = 'promoted'`,
	} {
		require.NoError(t, orm.Exec(stmt).Error)
	}
	return orm
}

func testDigest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func testDraft(name, version string) Draft {
	return Draft{
		TenantID: "tenant-1",
		Name:     name,
		Version:  version,
		Digest:   testDigest(name + version),
	}
}

// walkTo drives a fresh record along the happy path until it reaches target.
func walkTo(t *testing.T, reg *Registry, rec Record, target State) Record {
	t.Helper()

	path := []State{StateValidating, StateValidated, StateCanaryPending, StateCanaryActive}
	current := rec
	for _, next := range path {
		if current.State == target {
			return current
		}
		updated, err := reg.Transition(context.Background(), current.ID, current.State, next, "test")
		require.NoError(t, err)
		current = updated
	}
	require.Equal(t, target, current.State)
	return current
}

func TestCreateInitialisesRecord(t *testing.T) {
	reg, err := New(openTestDB(t))
	require.NoError(t, err)

	rec, err := reg.Create(context.Background(), testDraft("ranker", "1.0.0"))
	require.NoError(t, err)
	require.Equal(t, StateUploaded, rec.State)
	require.EqualValues(t, 0, rec.Revision)
	require.NotEmpty(t, rec.ID)

	transitions, err := reg.Transitions(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, StateUploaded, transitions[0].ToState)
}

func TestCreateRejectsBadDraft(t *testing.T) {
	reg, err := New(openTestDB(t))
	require.NoError(t, err)

	_, err = reg.Create(context.Background(), Draft{TenantID: "t", Name: "m", Version: "1", Digest: "nothex"})
	require.Error(t, err)

	draft := testDraft("ranker", "1.0.0")
	draft.Name = ""
	_, err = reg.Create(context.Background(), draft)
	require.Error(t, err)
}

func TestTransitionCAS(t *testing.T) {
	reg, err := New(openTestDB(t))
	require.NoError(t, err)

	rec, err := reg.Create(context.Background(), testDraft("ranker", "1.0.0"))
	require.NoError(t, err)

	updated, err := reg.Transition(context.Background(), rec.ID, StateUploaded, StateValidating, "validation started")
	require.NoError(t, err)
	require.Equal(t, StateValidating, updated.State)
	require.EqualValues(t, 1, updated.Revision)

	// Stale expected state: no mutation, just a conflict.
	_, err = reg.Transition(context.Background(), rec.ID, StateUploaded, StateValidating, "stale")
	require.ErrorIs(t, err, ErrConflict)

	after, err := reg.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, StateValidating, after.State)
	require.EqualValues(t, 1, after.Revision)

	transitions, err := reg.Transitions(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	reg, err := New(openTestDB(t))
	require.NoError(t, err)

	rec, err := reg.Create(context.Background(), testDraft("ranker", "1.0.0"))
	require.NoError(t, err)

	_, err = reg.Transition(context.Background(), rec.ID, StateUploaded, StatePromoted, "skip the line")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConcurrentTransitionsExactlyOneWins(t *testing.T) {
	reg, err := New(openTestDB(t))
	require.NoError(t, err)

	rec, err := reg.Create(context.Background(), testDraft("ranker", "1.0.0"))
	require.NoError(t, err)

	const workers = 4
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.Transition(context.Background(), rec.ID, StateUploaded, StateValidating,
				fmt.Sprintf("worker %d", i))
		}(i)
	}
	wg.Wait()

	var winners int
	for _, err := range errs {
		if err == nil {
			winners++
		}
	}
	require.Equal(t, 1, winners)

	after, err := reg.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, StateValidating, after.State)
	require.EqualValues(t, 1, after.Revision)
}

func TestPromoteRetiresPriorHolder(t *testing.T) {
	reg, err := New(openTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := reg.Create(ctx, testDraft("ranker", "1.0.0"))
	require.NoError(t, err)
	first = walkTo(t, reg, first, StateCanaryActive)
	first, err = reg.Promote(ctx, first.ID, StateCanaryActive, "alice", "initial rollout")
	require.NoError(t, err)
	require.Equal(t, StatePromoted, first.State)

	second, err := reg.Create(ctx, testDraft("ranker", "1.1.0"))
	require.NoError(t, err)
	second = walkTo(t, reg, second, StateCanaryActive)
	second, err = reg.Promote(ctx, second.ID, StateCanaryActive, "alice", "upgrade")
	require.NoError(t, err)
	require.Equal(t, StatePromoted, second.State)

	retired, err := reg.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, StateRetired, retired.State)

	active, err := reg.FindActive(ctx, "tenant-1", "ranker")
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)

	transitions, err := reg.Transitions(ctx, first.ID)
	require.NoError(t, err)
	last := transitions[len(transitions)-1]
	require.Equal(t, StateRetired, last.ToState)
	require.Contains(t, last.Reason, second.ID.String())
}

func TestPromoteConflictsOnStaleExpected(t *testing.T) {
	reg, err := New(openTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := reg.Create(ctx, testDraft("ranker", "1.0.0"))
	require.NoError(t, err)

	_, err = reg.Promote(ctx, rec.ID, StateCanaryActive, "alice", "too early")
	require.ErrorIs(t, err, ErrConflict)

	after, err := reg.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, StateUploaded, after.State)
}

func TestPromoteRequiresApprover(t *testing.T) {
	reg, err := New(openTestDB(t))
	require.NoError(t, err)

	rec, err := reg.Create(context.Background(), testDraft("ranker", "1.0.0"))
	require.NoError(t, err)

	_, err = reg.Promote(context.Background(), rec.ID, StateCanaryActive, "  ", "no identity")
	require.Error(t, err)
}

func TestOverride(t *testing.T) {
	reg, err := New(openTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := reg.Create(ctx, testDraft("ranker", "1.0.0"))
	require.NoError(t, err)

	t.Run("requires operator", func(t *testing.T) {
		_, err := reg.Override(ctx, rec.ID, StateValidationFailed, "", "no operator")
		require.Error(t, err)
	})

	t.Run("only terminal failure targets", func(t *testing.T) {
		_, err := reg.Override(ctx, rec.ID, StatePromoted, "bob", "nope")
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("moves record and writes audit", func(t *testing.T) {
		updated, err := reg.Override(ctx, rec.ID, StateValidationFailed, "bob", "known bad weights")
		require.NoError(t, err)
		require.Equal(t, StateValidationFailed, updated.State)

		var audits []auditModel
		require.NoError(t, reg.orm.Where("action = ?", "override").Find(&audits).Error)
		require.Len(t, audits, 1)
		require.Equal(t, "bob", audits[0].Actor)
		require.Equal(t, rec.ID.String(), audits[0].Obj)
	})

	t.Run("terminal record rejected", func(t *testing.T) {
		_, err := reg.Override(ctx, rec.ID, StateRolledBack, "bob", "already settled")
		require.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestSchemaForbidsSecondPromotedRecord(t *testing.T) {
	reg, err := New(openTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := reg.Create(ctx, testDraft("ranker", "1.0.0"))
	require.NoError(t, err)
	first = walkTo(t, reg, first, StateCanaryActive)
	_, err = reg.Promote(ctx, first.ID, StateCanaryActive, "alice", "initial rollout")
	require.NoError(t, err)

	second, err := reg.Create(ctx, testDraft("ranker", "1.1.0"))
	require.NoError(t, err)
	second = walkTo(t, reg, second, StateCanaryActive)

	// A writer that slipped past the prior-holder scan would issue exactly
	// this update; the unique index must reject it rather than let two
	// records be promoted for the same (tenant, name).
	err = reg.orm.Exec(`UPDATE model_artifacts SET state = 'promoted' WHERE id = ?`, second.ID).Error
	require.Error(t, err)
	require.True(t, db.IsUniqueViolation(err))

	var promoted int64
	require.NoError(t, reg.orm.Model(&recordModel{}).
		Where("tenant_id = ? AND name = ? AND state = ?", "tenant-1", "ranker", string(StatePromoted)).
		Count(&promoted).Error)
	require.EqualValues(t, 1, promoted)

	active, err := reg.FindActive(ctx, "tenant-1", "ranker")
	require.NoError(t, err)
	require.Equal(t, first.ID, active.ID)
}

func TestFindActiveNotFound(t *testing.T) {
	reg, err := New(openTestDB(t))
	require.NoError(t, err)

	_, err = reg.FindActive(context.Background(), "tenant-1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
