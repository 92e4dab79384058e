package rotation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"livingrosary.org/internal/mystery"
	"livingrosary.org/internal/obs"
)

func TestRotateAllCountsFailuresWithoutAborting(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []RotatorOption
	}{
		{name: "sequential"},
		{name: "parallel", opts: []RotatorOption{WithParallelism(4)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := NewInMemory()
			_, members := seedGroup(t, store, 7)
			broken := members[3].ID
			store.FailRecord = func(id string) error {
				if id == broken {
					return errors.New("write timeout")
				}
				return nil
			}

			core, logs := observer.New(zap.ErrorLevel)
			sel := NewSelector(store, mystery.Default(), WithSelectorLogger(zap.NewNop()))
			rot := NewRotator(store, sel, append(tc.opts, WithRotatorLogger(zap.New(core)))...)

			res, err := rot.RotateAll(ctx)
			require.NoError(t, err)
			require.Equal(t, Result{Total: 7, Succeeded: 6, Failed: 1}, res)

			failed := logs.FilterMessage("mystery assignment failed").All()
			require.Len(t, failed, 1)
			require.Equal(t, broken, failed[0].ContextMap()["membership_id"])

			for _, m := range members {
				got, err := store.GetMembership(ctx, m.ID)
				require.NoError(t, err)
				if m.ID == broken {
					require.Empty(t, got.CurrentMysteryID)
					continue
				}
				require.NotEmpty(t, got.CurrentMysteryID)
			}
		})
	}
}

func TestRotateGroupOnlyTouchesThatGroup(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	g1, first := seedGroup(t, store, 3)
	_, second := seedGroup(t, store, 2)

	sel := NewSelector(store, mystery.Default(), WithSelectorLogger(zap.NewNop()))
	rot := NewRotator(store, sel, WithRotatorLogger(zap.NewNop()))

	res, err := rot.RotateGroup(ctx, g1.ID)
	require.NoError(t, err)
	require.Equal(t, Result{Total: 3, Succeeded: 3}, res)

	for _, m := range first {
		got, err := store.GetMembership(ctx, m.ID)
		require.NoError(t, err)
		require.NotEmpty(t, got.CurrentMysteryID)
	}
	for _, m := range second {
		got, err := store.GetMembership(ctx, m.ID)
		require.NoError(t, err)
		require.Empty(t, got.CurrentMysteryID)
	}
}

func TestRotateGroupUnknown(t *testing.T) {
	store := NewInMemory()
	sel := NewSelector(store, mystery.Default(), WithSelectorLogger(zap.NewNop()))
	rot := NewRotator(store, sel, WithRotatorLogger(zap.NewNop()))

	_, err := rot.RotateGroup(context.Background(), "no-such-group")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRotateEmptyGroup(t *testing.T) {
	store := NewInMemory()
	g, _ := seedGroup(t, store, 0)
	sel := NewSelector(store, mystery.Default(), WithSelectorLogger(zap.NewNop()))
	rot := NewRotator(store, sel, WithRotatorLogger(zap.NewNop()))

	res, err := rot.RotateGroup(context.Background(), g.ID)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}

type failingSource struct{ err error }

func (f failingSource) ListMemberships(context.Context) ([]Membership, error) { return nil, f.err }
func (f failingSource) ListGroupMemberships(context.Context, string) ([]Membership, error) {
	return nil, f.err
}
func (f failingSource) GroupExists(context.Context, string) (bool, error) { return true, nil }

func TestRotateListErrorSurfaces(t *testing.T) {
	boom := errors.New("db down")
	rot := NewRotator(failingSource{err: boom}, nil, WithRotatorLogger(zap.NewNop()))

	_, err := rot.RotateAll(context.Background())
	require.ErrorIs(t, err, boom)
	_, err = rot.RotateGroup(context.Background(), "g")
	require.ErrorIs(t, err, boom)
}

type panickyAssigner struct {
	calls atomic.Int32
	bad   string
}

func (p *panickyAssigner) AssignNewMystery(_ context.Context, id string) (mystery.Mystery, error) {
	p.calls.Add(1)
	if id == p.bad {
		panic("nil map write")
	}
	return mystery.Mystery{ID: "joyful-annunciation"}, nil
}

func TestRotateRecoversFromAssignerPanic(t *testing.T) {
	store := NewInMemory()
	_, members := seedGroup(t, store, 4)
	a := &panickyAssigner{bad: members[1].ID}
	rot := NewRotator(store, a, WithParallelism(2), WithRotatorLogger(zap.NewNop()))

	res, err := rot.RotateAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Total: 4, Succeeded: 3, Failed: 1}, res)
	require.EqualValues(t, 4, a.calls.Load())
}

func TestRotateTwiceAvoidsPreviousPick(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	_, members := seedGroup(t, store, 5)
	sel := NewSelector(store, mystery.Default(),
		WithClock(steppingClock(time.Date(2024, 4, 7, 1, 0, 0, 0, time.UTC))),
		WithSelectorLogger(zap.NewNop()),
	)
	rot := NewRotator(store, sel, WithRotatorLogger(zap.NewNop()))

	_, err := rot.RotateAll(ctx)
	require.NoError(t, err)
	before := map[string]string{}
	for _, m := range members {
		got, err := store.GetMembership(ctx, m.ID)
		require.NoError(t, err)
		before[m.ID] = got.CurrentMysteryID
	}

	_, err = rot.RotateAll(ctx)
	require.NoError(t, err)
	for _, m := range members {
		got, err := store.GetMembership(ctx, m.ID)
		require.NoError(t, err)
		require.NotEqual(t, before[m.ID], got.CurrentMysteryID)
	}
}

func batchSamples(t *testing.T, scope string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "rotation_batch_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "scope" && l.GetValue() == scope {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func TestRotateGroupObservesBatch(t *testing.T) {
	obs.Init()
	ctx := context.Background()
	store := NewInMemory()
	g, _ := seedGroup(t, store, 2)
	r := NewRotator(store, NewSelector(store, mystery.Default()), WithRotatorLogger(zap.NewNop()))

	before := batchSamples(t, "group")
	_, err := r.RotateGroup(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, before+1, batchSamples(t, "group"))
}
