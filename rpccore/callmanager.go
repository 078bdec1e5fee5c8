package rpccore

import (
	"sync"

	"go.uber.org/zap"
)

// CallManager starts and stops the channel's single spin worker, ref-counted
// against the number of managed (multi-threaded) in-flight calls. It holds
// no transport state of its own; Transport.NextCallEvent is supplied by the
// owning Channel.
type CallManager struct {
	mu          sync.Mutex
	managed     int
	running     bool
	nextEvent   func() (*CompletionEvent, error)
	forkGate    *ForkGate
	logger      *zap.Logger
	stopped     chan struct{}
}

// NewCallManager constructs a call manager that pulls events through
// nextEvent (typically Transport.NextCallEvent bound to one channel).
func NewCallManager(nextEvent func() (*CompletionEvent, error), forkGate *ForkGate, logger *zap.Logger) *CallManager {
	return &CallManager{nextEvent: nextEvent, forkGate: forkGate, logger: logger}
}

// CreateManaged registers one new in-flight managed call, starting the spin
// worker if this is the first one. There is no matching release call: the
// spin worker itself decrements the count when the call's event handler
// reports "completed".
func (m *CallManager) CreateManaged() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.managed++
	if !m.running {
		m.running = true
		m.stopped = make(chan struct{})
		go m.spin()
	}
}

// spin is the channel spin worker (§4.G): it dequeues completion events from
// the channel-wide completion queue and invokes each event's registered
// handler, decrementing the managed-call count whenever a handler reports
// that its call has completed, and exiting once the count reaches zero.
func (m *CallManager) spin() {
	defer close(m.stopped)
	for {
		if m.forkGate != nil {
			m.forkGate.BlockIfForking()
		}

		ev, err := m.nextEvent()
		if err != nil {
			// Queue timeout / transient poll: keep spinning.
			continue
		}
		if ev == nil {
			continue
		}

		completed := ev.Tag(ev)

		if completed {
			m.mu.Lock()
			m.managed--
			done := m.managed <= 0
			if done {
				m.running = false
			}
			m.mu.Unlock()
			if done {
				return
			}
		}
	}
}

// Wait blocks until the spin worker has exited, used by tests and by
// Channel.Close to make shutdown deterministic.
func (m *CallManager) Wait() {
	m.mu.Lock()
	ch := m.stopped
	running := m.running
	m.mu.Unlock()
	if running && ch != nil {
		<-ch
	}
}

// ForkGate coordinates workers against a process-wide fork epoch: a
// BlockIfForking call suspends the caller while a fork is in progress and
// releases it afterward, and a worker whose own epoch is older than the
// current one should treat that as a signal to exit so that post-fork
// children start with a fresh set of workers (§5 Fork safety). In a Go
// binary that never calls syscall.Fork directly (the common case), this
// gate is simply never engaged and BlockIfForking is a no-op; it exists so
// that an embedder built on a forking supervisor (e.g. a prefork server)
// has a documented extension point instead of no hook at all.
type ForkGate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	forking bool
	epoch   uint64
}

// NewForkGate constructs an idle fork gate at epoch 0.
func NewForkGate() *ForkGate {
	g := &ForkGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// BeginFork marks a fork as in progress, suspending future BlockIfForking
// callers until EndFork.
func (g *ForkGate) BeginFork() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forking = true
}

// EndFork ends the fork window, advances the epoch, and releases any
// suspended workers.
func (g *ForkGate) EndFork() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forking = false
	g.epoch++
	g.cond.Broadcast()
}

// BlockIfForking suspends the calling goroutine while a fork is underway.
func (g *ForkGate) BlockIfForking() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.forking {
		g.cond.Wait()
	}
}

// Epoch returns the current fork generation.
func (g *ForkGate) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// Stale reports whether a worker spawned under forkEpoch should exit because
// a fork has since advanced the generation.
func (g *ForkGate) Stale(forkEpoch uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return forkEpoch < g.epoch
}
