package gatekeeper

import (
	"time"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/logze"
	"github.com/panjf2000/ants/v2"
)

// Clock abstracts timer arming so the supervisor can be tested with a manual
// clock. The stop function returned by AfterFunc reports whether it prevented
// the callback from firing.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// supervisor arms one-shot verification deadlines. Expiry callbacks run on a
// bounded pool so a burst of simultaneous timeouts cannot spawn an unbounded
// number of goroutines.
//
// There is no cancellation token: an expiry callback is expected to claim its
// verification through registry.Resolve and back off when it loses. A timer
// for an already-passed user still fires and does a cheap no-op check.
type supervisor struct {
	pool  *ants.Pool
	clock Clock
	log   logze.Logger
}

func newSupervisor(poolSize int, clock Clock, log logze.Logger) (*supervisor, error) {
	pool, err := ants.NewPool(poolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, errm.Wrap(err, "new pool")
	}
	return &supervisor{
		pool:  pool,
		clock: clock,
		log:   log,
	}, nil
}

// Schedule arms a timer that runs onExpire once after timeout elapses.
func (s *supervisor) Schedule(timeout time.Duration, onExpire func()) {
	s.clock.AfterFunc(timeout, func() {
		if err := s.pool.Submit(onExpire); err != nil {
			// Run inline rather than drop the expiry: a lost timer would
			// leave the user muted forever.
			if !errm.Is(err, ants.ErrPoolClosed) {
				s.log.Error(err, "submit expire task, running inline")
			}
			onExpire()
		}
	})
}

// Stop releases the pool. Already-armed timers still fire, their callbacks
// run inline and resolve to no-ops once the registry is empty.
func (s *supervisor) Stop() {
	s.pool.Release()
}
