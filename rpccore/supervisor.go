package rpccore

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/connectivity"
)

// supervisorInterval is the default refresh cadence: frequent enough to
// notice a channel stuck in TRANSIENT_FAILURE without polling the transport
// on every CheckConnectivityState call a subscriber happens to make.
const supervisorInterval = 5 * time.Second

// Supervisor periodically forces a connectivity refresh on a channel whose
// subscriber set would otherwise only ever observe a change the next time
// something else touches the engine. It is a thin ticker wrapped around
// ConnectivityEngine.Subscribe, not an independent state machine.
type Supervisor struct {
	engine   *ConnectivityEngine
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	stop     chan struct{}
	stopped  chan struct{}
	handle   *SubscribeHandle
	last     connectivity.State
	haveLast bool
}

// NewSupervisor constructs a supervisor over engine. interval <= 0 selects
// supervisorInterval.
func NewSupervisor(engine *ConnectivityEngine, interval time.Duration, logger *zap.Logger) *Supervisor {
	if interval <= 0 {
		interval = supervisorInterval
	}
	return &Supervisor{engine: engine, interval: interval, logger: logger}
}

// Start subscribes to the engine and begins the refresh ticker. Calling
// Start twice without an intervening Stop is a no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	s.handle = s.engine.Subscribe(s.observe, true)
	go s.run()
}

// Stop unsubscribes and stops the ticker, blocking until the refresh
// goroutine has exited.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	stop := s.stop
	stopped := s.stopped
	s.stop = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
	if s.handle != nil {
		s.handle.Unsubscribe()
	}
}

func (s *Supervisor) run() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.engine.Nudge()
		}
	}
}

// observe logs transitions the supervisor itself notices, independent of
// whatever other subscribers the channel carries. Comparing against the
// last-seen level (the "set comparison" the spec describes) avoids logging
// the same steady state on every tick.
func (s *Supervisor) observe(level connectivity.State) {
	s.mu.Lock()
	changed := !s.haveLast || s.last != level
	s.last = level
	s.haveLast = true
	s.mu.Unlock()

	if changed && s.logger != nil {
		s.logger.Info("connectivity state changed", zap.Stringer("state", level))
	}
}
