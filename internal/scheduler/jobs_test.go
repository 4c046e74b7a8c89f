package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/events"
)

type stubCleaner struct {
	rows  int64
	err   error
	calls int
}

func (s *stubCleaner) Cleanup() (int64, error) {
	s.calls++
	return s.rows, s.err
}

type stubCheckpointer struct {
	name  string
	err   error
	calls int
}

func (s *stubCheckpointer) Name() string { return s.name }

func (s *stubCheckpointer) WALCheckpoint(mode string) error {
	s.calls++
	return s.err
}

type stubBackup struct {
	err   error
	calls int
}

func (s *stubBackup) Run(ctx context.Context) error {
	s.calls++
	return s.err
}

func TestWarmupJobCollectsActiveSymbols(t *testing.T) {
	f := newFixture(t)
	seedActive(t, f, "sym-1", "user-1", treeFor("SPY", "QQQ"))
	seedActive(t, f, "sym-2", "user-1", treeFor("QQQ", "IWM"))
	// Unparseable trees are skipped, stopped symphonies never listed.
	seedActive(t, f, "sym-3", "user-1", []byte(`{"step":"root"}`))
	stopped := seedActive(t, f, "sym-4", "user-1", treeFor("XLE"))
	require.NoError(t, f.symphonies.SetStatus(stopped.ID, domain.SymphonyStopped, ""))

	snapshot := captureEvents(f.bus, events.WarmupCompleted)
	job := NewWarmupJob(f.symphonies, f.data, f.em, quiet)
	assert.Equal(t, "cache-warmup", job.Name())

	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"IWM", "QQQ", "SPY"}, f.data.warmed)

	evs := snapshot()
	require.Len(t, evs, 1)
	assert.EqualValues(t, 3, evs[0].Data["symbols"])
	assert.EqualValues(t, 3, evs[0].Data["warmed"])
	assert.EqualValues(t, 0, evs[0].Data["failures"])
}

func TestWarmupJobNoopWithoutActiveSymbols(t *testing.T) {
	f := newFixture(t)
	snapshot := captureEvents(f.bus, events.WarmupCompleted)
	job := NewWarmupJob(f.symphonies, f.data, f.em, quiet)

	require.NoError(t, job.Run(context.Background()))

	assert.Empty(t, f.data.warmed)
	assert.Empty(t, snapshot())
}

func TestWarmupJobReportsProviderFailure(t *testing.T) {
	f := newFixture(t)
	seedActive(t, f, "sym-1", "user-1", treeFor("SPY"))
	f.data.warmErr = domain.E(domain.KindDataUnavailable, "provider down")

	snapshot := captureEvents(f.bus, events.WarmupCompleted)
	job := NewWarmupJob(f.symphonies, f.data, f.em, quiet)

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindDataUnavailable))

	// The summary event still goes out so the failure is visible on the
	// stream.
	evs := snapshot()
	require.Len(t, evs, 1)
	assert.EqualValues(t, 1, evs[0].Data["symbols"])
	assert.EqualValues(t, 0, evs[0].Data["warmed"])
	assert.EqualValues(t, 1, evs[0].Data["failures"])
}

func TestMaintenanceRevalidatesSymphonies(t *testing.T) {
	f := newFixture(t)

	seedActive(t, f, "sym-ok", "user-1", treeFor("SPY"))
	// Parses but has no rebalance policy or children, so validation
	// fails.
	seedActive(t, f, "sym-broken", "user-1", []byte(`{"step":"root"}`))

	parked := seedActive(t, f, "sym-parked", "user-1", treeFor("QQQ"))
	require.NoError(t, f.symphonies.SetStatus(parked.ID, domain.SymphonyError, revalidationPrefix+"children under root"))

	runtime := seedActive(t, f, "sym-runtime", "user-1", treeFor("IWM"))
	require.NoError(t, f.symphonies.SetStatus(runtime.ID, domain.SymphonyError, "deactivated after evaluation failure: metric window"))

	stopped := seedActive(t, f, "sym-stopped", "user-1", treeFor("XLE"))
	require.NoError(t, f.symphonies.SetStatus(stopped.ID, domain.SymphonyStopped, ""))

	cleaner := &stubCleaner{rows: 42}
	cp := &stubCheckpointer{name: "ledger"}
	backup := &stubBackup{}
	job := NewMaintenanceJob(f.symphonies, cleaner, []Checkpointer{cp}, backup, quiet)
	assert.Equal(t, "nightly-maintenance", job.Name())

	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, 1, cleaner.calls)
	assert.Equal(t, 1, cp.calls)
	assert.Equal(t, 1, backup.calls)

	assert.Equal(t, domain.SymphonyActive, reload(t, f, "sym-ok").Status)

	broken := reload(t, f, "sym-broken")
	assert.Equal(t, domain.SymphonyError, broken.Status)
	assert.True(t, strings.HasPrefix(broken.LastError, revalidationPrefix), broken.LastError)

	reactivated := reload(t, f, "sym-parked")
	assert.Equal(t, domain.SymphonyActive, reactivated.Status)
	assert.Empty(t, reactivated.LastError)

	// A runtime deactivation keeps its status even though the tree is
	// fine; reactivating it is a human decision.
	assert.Equal(t, domain.SymphonyError, reload(t, f, "sym-runtime").Status)
	assert.Equal(t, domain.SymphonyStopped, reload(t, f, "sym-stopped").Status)
}

func TestMaintenanceRunsEveryPassDespiteFailures(t *testing.T) {
	f := newFixture(t)
	seedActive(t, f, "sym-broken", "user-1", []byte(`{"step":"root"}`))

	cleanerErr := errors.New("archive locked")
	cleaner := &stubCleaner{err: cleanerErr}
	cp := &stubCheckpointer{name: "cache", err: errors.New("checkpoint busy")}
	backup := &stubBackup{}
	job := NewMaintenanceJob(f.symphonies, cleaner, []Checkpointer{cp}, backup, quiet)

	err := job.Run(context.Background())
	require.ErrorIs(t, err, cleanerErr)

	// Later passes still ran.
	assert.Equal(t, 1, cp.calls)
	assert.Equal(t, 1, backup.calls)
	assert.Equal(t, domain.SymphonyError, reload(t, f, "sym-broken").Status)
}

func TestMaintenanceWithoutOptionalPasses(t *testing.T) {
	f := newFixture(t)
	job := NewMaintenanceJob(f.symphonies, nil, nil, nil, quiet)
	require.NoError(t, job.Run(context.Background()))
}
