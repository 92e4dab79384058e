package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"livingrosary.org/internal/obs"
	"livingrosary.org/internal/rotation"
)

const (
	// DefaultSpec fires every Sunday at 01:00; Check narrows it to the first Sunday.
	DefaultSpec         = "0 1 * * 0"
	DefaultRunHour      = 1
	DefaultPollInterval = time.Hour

	ModeIdle = "idle"
	ModeCron = "cron"
	ModePoll = "poll"
)

var (
	// ErrInvalidSpec means the recurrence spec could not be armed.
	ErrInvalidSpec = errors.New("invalid recurrence spec")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("trigger already started")
)

// Runner performs a full rotation.
type Runner interface {
	RotateAll(ctx context.Context) (rotation.Result, error)
}

// Config controls when the trigger fires.
type Config struct {
	Spec         string
	Location     *time.Location
	RunHour      int
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Spec == "" {
		c.Spec = DefaultSpec
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.RunHour < 0 || c.RunHour > 23 {
		c.RunHour = DefaultRunHour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Status is a snapshot of the trigger for operators.
type Status struct {
	Mode       string           `json:"mode"`
	Spec       string           `json:"spec"`
	Location   string           `json:"location"`
	LastRun    string           `json:"last_run,omitempty"`
	NextRun    time.Time        `json:"next_run"`
	LastResult *rotation.Result `json:"last_result,omitempty"`
}

// Option configures Trigger.
type Option func(*Trigger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Trigger) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Trigger) {
		if l != nil {
			t.log = l
		}
	}
}

// Trigger runs a full rotation on the first Sunday of each month. It arms a
// cron entry and falls back to polling when the spec cannot be used. Every
// path goes through Check, which consults the DayGuard.
type Trigger struct {
	cfg    Config
	runner Runner
	guard  *DayGuard
	now    func() time.Time
	log    *zap.Logger

	mu         sync.Mutex
	mode       string
	cron       *cron.Cron
	sched      cron.Schedule
	cancel     context.CancelFunc
	done       chan struct{}
	lastResult *rotation.Result
	// manual counts RunManual calls in flight; missed holds the source of
	// a tick skipped while one was running.
	manual int
	missed string
}

// New creates an idle trigger. A nil guard means a process-local one.
func New(runner Runner, guard *DayGuard, cfg Config, opts ...Option) *Trigger {
	if guard == nil {
		guard = NewDayGuard(nil)
	}
	t := &Trigger{
		cfg:    cfg.withDefaults(),
		runner: runner,
		guard:  guard,
		now:    time.Now,
		log:    obs.Logger(),
		mode:   ModeIdle,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ValidateSpec parses a standard five-field recurrence spec.
func ValidateSpec(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSpec, spec, err)
	}
	return sched, nil
}

// Start arms the trigger. An unusable spec is logged and replaced by the
// polling loop; Start itself only fails when called twice.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode != ModeIdle {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	if err := t.startCron(ctx); err != nil {
		t.log.Error("schedule trigger setup failed, falling back to polling",
			zap.String("spec", t.cfg.Spec),
			zap.Duration("poll_interval", t.cfg.PollInterval),
			zap.Error(err),
		)
		t.done = make(chan struct{})
		t.mode = ModePoll
		go t.poll(ctx, t.done)
	} else {
		t.mode = ModeCron
	}
	obs.SetTriggerMode(t.mode)
	t.log.Info("schedule trigger started",
		zap.String("mode", t.mode),
		zap.String("location", t.cfg.Location.String()),
	)
	return nil
}

func (t *Trigger) startCron(ctx context.Context) error {
	sched, err := ValidateSpec(t.cfg.Spec)
	if err != nil {
		return err
	}
	logger := cronLogger{s: t.log.Sugar()}
	c := cron.New(
		cron.WithLocation(t.cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(t.cfg.Spec, func() { _, _ = t.Check(ctx, ModeCron) }); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	c.Start()
	t.cron = c
	t.sched = sched
	return nil
}

// poll checks once immediately and then every PollInterval, but only once
// the local hour has reached the run hour.
func (t *Trigger) poll(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if t.now().In(t.cfg.Location).Hour() >= t.cfg.RunHour {
			_, _ = t.Check(ctx, ModePoll)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop disarms the trigger and waits for an in-progress check to finish or
// for ctx to end.
func (t *Trigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	c, cancel, done := t.cron, t.cancel, t.done
	t.cron, t.cancel, t.done, t.sched = nil, nil, nil, nil
	t.mode = ModeIdle
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var waits []<-chan struct{}
	if c != nil {
		waits = append(waits, c.Stop().Done())
	}
	if done != nil {
		waits = append(waits, done)
	}
	for _, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Check runs the full rotation if today is the first Sunday of the month
// and no run has been recorded for today. It reports whether a rotation ran.
// Errors are returned for callers that care; they are already logged.
func (t *Trigger) Check(ctx context.Context, source string) (bool, error) {
	now := t.now().In(t.cfg.Location)
	if !IsFirstSundayOfMonth(now) {
		t.log.Debug("not the first Sunday of the month, skipping rotation",
			zap.String("source", source),
			zap.String("day", DayKey(now)),
		)
		return false, nil
	}

	claimed, err := t.guard.Claim(ctx, now, source)
	if err != nil {
		t.log.Error("rotation guard unavailable", zap.String("source", source), zap.Error(err))
		obs.ObserveRun(source, "guard_error", now)
		return false, err
	}
	if !claimed {
		t.mu.Lock()
		if t.manual > 0 {
			t.missed = source
		}
		t.mu.Unlock()
		t.log.Info("rotation already ran today, skipping",
			zap.String("source", source),
			zap.String("day", DayKey(now)),
		)
		obs.ObserveRun(source, "skipped", now)
		return false, nil
	}

	t.log.Info("starting scheduled rotation", zap.String("source", source), zap.String("day", DayKey(now)))
	if _, err := t.execute(ctx, source, now, true, t.runner.RotateAll); err != nil {
		return false, err
	}
	return true, nil
}

// RunManual runs job as an administrative full rotation. The day is recorded
// in the guard so a scheduled tick later today skips, but an existing claim
// never blocks job. If job fails, a claim taken here is released again.
func (t *Trigger) RunManual(ctx context.Context, source string, job rotation.Job) (rotation.Result, error) {
	if job == nil {
		job = t.runner.RotateAll
	}
	now := t.now().In(t.cfg.Location)
	claimed, err := t.guard.Claim(ctx, now, source)
	if err != nil {
		t.log.Warn("could not record manual rotation", zap.String("source", source), zap.Error(err))
		claimed = false
	}
	t.log.Info("starting manual rotation",
		zap.String("source", source),
		zap.String("day", DayKey(now)),
		zap.Bool("recorded", claimed),
	)

	t.mu.Lock()
	t.manual++
	t.mu.Unlock()
	res, err := t.execute(ctx, source, now, claimed, job)
	t.mu.Lock()
	t.manual--
	missed := t.missed
	if t.manual == 0 {
		t.missed = ""
	}
	t.mu.Unlock()

	// A tick skipped because of this claim gets its turn now that the
	// claim is gone.
	if err != nil && claimed && missed != "" {
		t.log.Info("retrying scheduled tick skipped during failed manual rotation", zap.String("source", missed))
		_, _ = t.Check(ctx, missed)
	}
	return res, err
}

// execute runs job detached from ctx's cancellation. On failure the claim for
// now's day is released when release is set.
func (t *Trigger) execute(ctx context.Context, source string, now time.Time, release bool, job rotation.Job) (rotation.Result, error) {
	res, err := safeRun(context.WithoutCancel(ctx), job)
	if err != nil {
		t.log.Error("rotation run failed", zap.String("source", source), zap.Error(err))
		if release {
			if rerr := t.guard.Release(context.WithoutCancel(ctx), now); rerr != nil {
				t.log.Error("release rotation guard", zap.Error(rerr))
			}
		}
		obs.ObserveRun(source, "failed", now)
		return res, err
	}

	t.mu.Lock()
	t.lastResult = &res
	t.mu.Unlock()
	obs.ObserveRun(source, "completed", t.now())
	t.log.Info("rotation run completed",
		zap.String("source", source),
		zap.Int("total", res.Total),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func safeRun(ctx context.Context, job rotation.Job) (res rotation.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rotation panicked: %v", p)
		}
	}()
	return job(ctx)
}

// Status reports the active mode and the next qualifying run.
func (t *Trigger) Status() Status {
	t.mu.Lock()
	mode, sched := t.mode, t.sched
	var last *rotation.Result
	if t.lastResult != nil {
		r := *t.lastResult
		last = &r
	}
	t.mu.Unlock()

	now := t.now().In(t.cfg.Location)
	next := NextFirstSunday(now, t.cfg.RunHour)
	if mode == ModeCron && sched != nil {
		next = NextScheduledRun(sched, now)
	}
	return Status{
		Mode:       mode,
		Spec:       t.cfg.Spec,
		Location:   t.cfg.Location.String(),
		LastRun:    t.guard.LastRun(),
		NextRun:    next,
		LastResult: last,
	}
}

// NextScheduledRun returns the first firing of sched after now that lands on
// the first Sunday of a month, judged in now's location. It returns the zero
// time when sched has no such firing within the next five years.
func NextScheduledRun(sched cron.Schedule, now time.Time) time.Time {
	loc := now.Location()
	from := now
	for i := 0; i < 120; i++ {
		next := sched.Next(from)
		if next.IsZero() {
			return time.Time{}
		}
		next = next.In(loc)
		if IsFirstSundayOfMonth(next) {
			return next
		}
		day := FirstSundayOfMonth(next.Year(), next.Month(), loc)
		if !day.After(next) {
			day = FirstSundayOfMonth(next.Year(), next.Month()+1, loc)
		}
		from = day.Add(-time.Second)
	}
	return time.Time{}
}
