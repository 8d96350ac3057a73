// Package race runs claim attempts for a worklist against authenticated
// sessions in fixed-interval rounds.
//
// Each round dispatches one claim task per (pending item, live session)
// pair onto a bounded worker pool and then sleeps. Rounds do not wait for
// their tasks, so a still-pending item can have attempts from consecutive
// rounds in flight at once unless Options.SkipInFlight is set. Claim tasks
// re-check the item before calling the backend and flip it to claimed on
// success; only the first success for an item is persisted. Stopping a
// race drops queued tasks that have not started yet.
package race

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/joescharf/enroll/internal/enrollerr"
	"github.com/joescharf/enroll/internal/jwc"
	"github.com/joescharf/enroll/internal/models"
	"github.com/joescharf/enroll/internal/worklist"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultWorkers  = 20

	queuePerWorker = 64
)

// State is the scheduler lifecycle state.
type State int32

const (
	Idle State = iota
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "idle"
	}
}

// Claimer is a session that can claim items. *jwc.Client satisfies it.
type Claimer interface {
	Name() string
	Authenticated() bool
	Claim(ctx context.Context, handle string, companion bool) (jwc.ClaimResult, error)
}

// Worklist is the item state the scheduler reads and updates.
// *worklist.Worklist satisfies it.
type Worklist interface {
	Len() int
	Pending() []models.Item
	IsClaimed(handle string) bool
	MarkClaimed(ctx context.Context, handle string) (bool, error)
}

// Options tune one race.
type Options struct {
	Interval time.Duration
	Workers  int
	// QueueSize bounds tasks waiting for a worker; 0 means Workers*64.
	QueueSize int
	// SkipInFlight skips dispatching an (item, session) pair while an
	// earlier attempt for the same pair is still queued or running.
	SkipInFlight bool
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = o.Workers * queuePerWorker
	}
	return o
}

// Scheduler drives races. One race runs at a time; a scheduler can be
// started again once it is back to Idle.
type Scheduler struct {
	list    Worklist
	clients []Claimer
	sink    Sink
	logger  *zap.Logger

	state   atomic.Int32
	round   atomic.Int64
	claimed atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	outcome models.RaceOutcome

	flightMu sync.Mutex
	inFlight map[string]struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewScheduler creates an idle scheduler. A nil sink discards events.
func NewScheduler(list Worklist, clients []Claimer, sink Sink, logger *zap.Logger) *Scheduler {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		list:     list,
		clients:  clients,
		sink:     sink,
		logger:   logger,
		inFlight: make(map[string]struct{}),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Round returns the number of the current (or last) round.
func (s *Scheduler) Round() int { return int(s.round.Load()) }

// Claimed returns how many items this race flipped to claimed.
func (s *Scheduler) Claimed() int { return int(s.claimed.Load()) }

// Start begins a race in the background. It fails with an
// ErrPrecondition-kind error if a race is already running, no session is
// authenticated, or the worklist is empty.
func (s *Scheduler) Start(ctx context.Context, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Idle {
		return enrollerr.New(enrollerr.KindPrecondition, "start race", "a race is already "+s.State().String())
	}
	if len(s.liveClients()) == 0 {
		return enrollerr.New(enrollerr.KindPrecondition, "start race", "no authenticated session")
	}
	if s.list.Len() == 0 {
		return enrollerr.New(enrollerr.KindPrecondition, "start race", "worklist is empty")
	}

	opts = opts.withDefaults()
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.outcome = ""
	s.round.Store(0)
	s.claimed.Store(0)
	s.state.Store(int32(Running))

	pool := NewPool(opts.Workers, opts.QueueSize)
	s.system(zapcore.InfoLevel, "race started: %d workers, interval %s", opts.Workers, opts.Interval)
	go s.run(runCtx, pool, opts, s.done)
	return nil
}

// Stop asks a running race to end. Tasks already submitted run to
// completion; no new round starts. Stop does not wait; use Wait.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until the current race is back to Idle and returns how it
// ended. It returns "" if no race was started.
func (s *Scheduler) Wait() models.RaceOutcome {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return ""
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Done returns a channel closed when the current race finishes draining.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Scheduler) run(ctx context.Context, pool *Pool, opts Options, done chan struct{}) {
	outcome := s.loop(ctx, pool, opts)

	s.state.Store(int32(Draining))
	s.system(zapcore.InfoLevel, "draining: waiting for in-flight claims")
	pool.Close()

	s.mu.Lock()
	s.outcome = outcome
	s.cancel()
	s.cancel = nil
	s.mu.Unlock()

	s.system(zapcore.InfoLevel, "race finished: %s after %d rounds, %d claimed", outcome, s.Round(), s.Claimed())
	s.state.Store(int32(Idle))
	close(done)
}

func (s *Scheduler) loop(ctx context.Context, pool *Pool, opts Options) models.RaceOutcome {
	for {
		if ctx.Err() != nil {
			s.system(zapcore.InfoLevel, "race cancelled")
			return models.RaceOutcomeCancelled
		}

		live := s.liveClients()
		if len(live) == 0 {
			s.system(zapcore.ErrorLevel, "no authenticated session left, stopping")
			return models.RaceOutcomeNoSessions
		}

		pending := s.list.Pending()
		if len(pending) == 0 {
			s.system(zapcore.InfoLevel, "all items claimed")
			return models.RaceOutcomeAllClaimed
		}

		round := int(s.round.Add(1))
		s.system(zapcore.InfoLevel, "round %d: %d pending, %d sessions", round, len(pending), len(live))

		for _, item := range pending {
			for _, c := range live {
				s.dispatch(ctx, pool, opts, round, item, c)
			}
		}

		if !s.sleep(ctx, opts.Interval) {
			s.system(zapcore.InfoLevel, "race cancelled")
			return models.RaceOutcomeCancelled
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, pool *Pool, opts Options, round int, item models.Item, c Claimer) {
	key := item.Handle + "\x00" + c.Name()
	if opts.SkipInFlight {
		s.flightMu.Lock()
		if _, busy := s.inFlight[key]; busy {
			s.flightMu.Unlock()
			s.logger.Debug("attempt still in flight", zap.Int("round", round), zap.String("endpoint", c.Name()), zap.String("code", item.PublicCode))
			return
		}
		s.inFlight[key] = struct{}{}
		s.flightMu.Unlock()
	}

	release := func() {
		if opts.SkipInFlight {
			s.flightMu.Lock()
			delete(s.inFlight, key)
			s.flightMu.Unlock()
		}
	}

	ok := pool.Submit(func() {
		defer release()
		s.claim(ctx, round, item, c)
	})
	if !ok {
		release()
		s.system(zapcore.WarnLevel, "[round %d - %s] queue full, skipped %s", round, c.Name(), item.Label())
	}
}

// claim runs one task. ctx is the race context: a task that has not
// started when the race is stopped returns without calling the backend,
// while one already started runs to completion.
func (s *Scheduler) claim(ctx context.Context, round int, item models.Item, c Claimer) {
	if ctx.Err() != nil {
		s.system(zapcore.DebugLevel, "[round %d - %s] race stopped, dropped %s", round, c.Name(), item.Label())
		return
	}
	if s.list.IsClaimed(item.Handle) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.system(zapcore.DebugLevel, "[round %d - %s] processing %s", round, c.Name(), item.Label())

	res := Result{
		Round:      round,
		Endpoint:   c.Name(),
		PublicCode: item.PublicCode,
		Note:       item.Note,
		Handle:     item.Handle,
	}

	out, err := c.Claim(ctx, item.Handle, item.Companion)
	if err != nil {
		res.Err = err
		res.Message = err.Error()
	} else {
		res.Succeeded = out.Succeeded
		res.Message = out.Message
		if out.Succeeded {
			first, perr := s.list.MarkClaimed(ctx, item.Handle)
			res.First = first
			if first {
				s.claimed.Add(1)
			}
			switch {
			case errors.Is(perr, worklist.ErrUnknownItem):
				s.system(zapcore.WarnLevel, "[round %d - %s] claimed %s but it is no longer in the worklist", round, c.Name(), item.Label())
			case perr != nil:
				s.system(zapcore.ErrorLevel, "[round %d - %s] claimed %s but could not save: %v", round, c.Name(), item.Label(), perr)
			}
		}
	}
	res.At = s.now()
	s.sink.Result(res)
}

func (s *Scheduler) liveClients() []Claimer {
	var live []Claimer
	for _, c := range s.clients {
		if c.Authenticated() {
			live = append(live, c)
		}
	}
	return live
}

func (s *Scheduler) system(level zapcore.Level, format string, args ...any) {
	s.sink.System(SystemEvent{Level: level, Message: fmt.Sprintf(format, args...), At: s.now()})
}
