package rotation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"livingrosary.org/internal/mystery"
	"livingrosary.org/internal/obs"
)

// Assigner assigns a new mystery to one membership.
type Assigner interface {
	AssignNewMystery(ctx context.Context, membershipID string) (mystery.Mystery, error)
}

// Rotator applies an Assigner to every membership of a group or of the
// whole system. A failing member is counted and logged; it never stops the
// rest of the batch.
type Rotator struct {
	members     MembershipSource
	assigner    Assigner
	parallelism int
	log         *zap.Logger
}

// RotatorOption configures Rotator.
type RotatorOption func(*Rotator)

// WithParallelism processes up to n members at once. n <= 1 is sequential.
func WithParallelism(n int) RotatorOption {
	return func(r *Rotator) {
		if n < 1 {
			n = 1
		}
		r.parallelism = n
	}
}

// WithRotatorLogger sets the logger.
func WithRotatorLogger(l *zap.Logger) RotatorOption {
	return func(r *Rotator) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRotator constructs a Rotator.
func NewRotator(members MembershipSource, assigner Assigner, opts ...RotatorOption) *Rotator {
	r := &Rotator{
		members:     members,
		assigner:    assigner,
		parallelism: 1,
		log:         obs.Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RotateGroup assigns new mysteries to every member of groupID.
func (r *Rotator) RotateGroup(ctx context.Context, groupID string) (Result, error) {
	start := time.Now()
	ok, err := r.members.GroupExists(ctx, groupID)
	if err != nil {
		return Result{}, fmt.Errorf("check group: %w", err)
	}
	if !ok {
		return Result{}, ErrNotFound
	}
	list, err := r.members.ListGroupMemberships(ctx, groupID)
	if err != nil {
		return Result{}, fmt.Errorf("list group memberships: %w", err)
	}
	res := r.rotate(ctx, list)
	obs.ObserveBatch("group", time.Since(start))
	r.log.Info("group rotation finished",
		zap.String("group_id", groupID),
		zap.Int("total", res.Total),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Duration("took", time.Since(start)),
	)
	return res, nil
}

// RotateAll assigns new mysteries to every membership in every group,
// processed as one flat worklist.
func (r *Rotator) RotateAll(ctx context.Context) (Result, error) {
	start := time.Now()
	list, err := r.members.ListMemberships(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list memberships: %w", err)
	}
	res := r.rotate(ctx, list)
	obs.ObserveBatch("all", time.Since(start))
	r.log.Info("rotation finished",
		zap.Int("total", res.Total),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Duration("took", time.Since(start)),
	)
	return res, nil
}

func (r *Rotator) rotate(ctx context.Context, list []Membership) Result {
	var (
		mu  sync.Mutex
		res = Result{Total: len(list)}
	)
	record := func(ok bool) {
		mu.Lock()
		if ok {
			res.Succeeded++
		} else {
			res.Failed++
		}
		mu.Unlock()
	}

	if r.parallelism <= 1 {
		for _, m := range list {
			record(r.assignOne(ctx, m))
		}
		return res
	}

	var g errgroup.Group
	g.SetLimit(r.parallelism)
	for _, m := range list {
		g.Go(func() error {
			record(r.assignOne(ctx, m))
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// assignOne never panics or returns an error; the outcome is a bool.
func (r *Rotator) assignOne(ctx context.Context, m Membership) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("mystery assignment panicked",
				zap.String("membership_id", m.ID),
				zap.Any("panic", p),
			)
			obs.ObserveAssignment(false)
			ok = false
		}
	}()

	picked, err := r.assigner.AssignNewMystery(ctx, m.ID)
	if err != nil {
		r.log.Error("mystery assignment failed",
			zap.String("membership_id", m.ID),
			zap.String("group_id", m.GroupID),
			zap.Error(err),
		)
		obs.ObserveAssignment(false)
		return false
	}
	r.log.Debug("mystery assigned",
		zap.String("membership_id", m.ID),
		zap.String("mystery_id", picked.ID),
	)
	obs.ObserveAssignment(true)
	return true
}
