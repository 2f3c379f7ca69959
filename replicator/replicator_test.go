package replicator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luigitni/logreplicator/file"
	"github.com/luigitni/logreplicator/kind"
	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/obs"
	"github.com/luigitni/logreplicator/statemgr"
	"github.com/luigitni/logreplicator/storage"
	"github.com/luigitni/logreplicator/transport"
)

// fakeStateProvider is a no-op statemgr.StateProvider: these tests only
// exercise the election/role-transition guard rails, never a real
// Apply/checkpoint round trip, so every call just succeeds.
type fakeStateProvider struct{}

func (fakeStateProvider) Apply(ctx context.Context, ac statemgr.ApplyContext) error { return nil }
func (fakeStateProvider) Unlock(ctx context.Context, ac statemgr.ApplyContext) error { return nil }
func (fakeStateProvider) PrepareCheckpoint(ctx context.Context, lsn storage.Lsn) error {
	return nil
}
func (fakeStateProvider) PerformCheckpoint(ctx context.Context) error         { return nil }
func (fakeStateProvider) CompleteCheckpointAsync(ctx context.Context) error   { return nil }
func (fakeStateProvider) StreamStateAsync(ctx context.Context, emit func([]byte) error) error {
	return nil
}
func (fakeStateProvider) ApplyStateChunkAsync(ctx context.Context, chunk []byte) error {
	return nil
}
func (fakeStateProvider) BackupAsync(ctx context.Context, folder string) error  { return nil }
func (fakeStateProvider) RestoreAsync(ctx context.Context, folder string) error { return nil }

// fakeReplicator is a no-op transport.Replicator fake for the same
// reason: these tests never need an actual wire transport.
type fakeReplicator struct{}

func (fakeReplicator) ReplicateAndLog(ctx context.Context, rec *logrecord.Record) (transport.ReplicateResult, error) {
	done := make(chan error, 1)
	done <- nil
	return transport.ReplicateResult{Lsn: rec.Lsn, Done: done}, nil
}

func (fakeReplicator) UpdateEpoch(ctx context.Context, e storage.Epoch) error { return nil }

func (fakeReplicator) StateReplicator(replica storage.ReplicaId) (transport.StateReplicatorHandle, error) {
	return nil, kind.ErrInvalidOperation
}

func newTestReplicator(t *testing.T) *Replicator {
	t.Helper()
	fm, err := file.NewManager(t.TempDir(), 4096)
	require.NoError(t, err)

	return New(obs.NewNop(), fm, fakeStateProvider{}, fakeReplicator{}, Config{})
}

func TestElectAsyncTransitionsFromNone(t *testing.T) {
	r := newTestReplicator(t)
	require.Equal(t, StatusNone, r.Status())

	require.NoError(t, r.ElectAsync(context.Background()))
	require.Equal(t, StatusElected, r.Status())
}

func TestElectAsyncRejectsDoubleElection(t *testing.T) {
	r := newTestReplicator(t)
	require.NoError(t, r.ElectAsync(context.Background()))

	err := r.ElectAsync(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, kind.ErrInvalidOperation)
	require.Equal(t, StatusElected, r.Status())
}

func TestEstablishEpochAsyncRequiresElection(t *testing.T) {
	r := newTestReplicator(t)

	err := r.EstablishEpochAsync(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, kind.ErrInvalidOperation)
}

func TestShutdownRejectsFromStatusNone(t *testing.T) {
	r := newTestReplicator(t)

	err := r.RequestSwapOutAsync(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, kind.ErrInvalidOperation)

	err = r.CloseAsync(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, kind.ErrInvalidOperation)

	err = r.RemoveStateAsync(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, kind.ErrInvalidOperation)
}

func TestBeginSessionDoneIsIdempotent(t *testing.T) {
	r := newTestReplicator(t)

	done := r.BeginSession()
	require.NotPanics(t, func() {
		done()
		done()
	})
}
