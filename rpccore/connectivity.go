package rpccore

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/connectivity"
)

// watchPollInterval is the effective deadline used for each
// WatchConnectivityState call, providing the polling cadence described in
// §5.
const watchPollInterval = 200 * time.Millisecond

// ConnectivityTransport is the subset of Transport the connectivity engine
// needs: reading the current level and watching for the next transition.
type ConnectivityTransport interface {
	CheckConnectivityState(tryToConnect bool) connectivity.State
	WatchConnectivityState(current connectivity.State, deadline time.Time) (changed bool)
}

type subscriber struct {
	callback          func(connectivity.State)
	lastDelivered     connectivity.State
	everDelivered     bool
}

// ConnectivityEngine implements §4.H: a polling worker that samples the
// transport's connectivity state and a delivery worker that fans state
// transitions out to subscribers with strictly sequential per-subscriber
// ordering. Both workers are created lazily, on first subscription.
type ConnectivityEngine struct {
	transport ConnectivityTransport
	logger    *zap.Logger
	forkGate  *ForkGate

	mu           sync.Mutex
	current      connectivity.State
	haveCurrent  bool
	tryToConnect bool
	subs         []*subscriber
	polling      bool
	delivering   bool
	done         chan struct{}
}

// NewConnectivityEngine constructs an engine bound to transport.
func NewConnectivityEngine(transport ConnectivityTransport, forkGate *ForkGate, logger *zap.Logger) *ConnectivityEngine {
	return &ConnectivityEngine{transport: transport, forkGate: forkGate, logger: logger, done: make(chan struct{})}
}

// unsubscribe removes sub from the subscriber list. Go callbacks have no
// usable identity for comparison, so Subscribe returns a *SubscribeHandle
// token that callers hold onto and pass to Unsubscribe, rather than the
// callback value itself as the spec's source language would allow.
func (e *ConnectivityEngine) unsubscribe(sub *subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s == sub {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// SubscribeHandle is returned by Subscribe and accepted by Unsubscribe,
// mirroring Channel.subscribe/unsubscribe from §6.
type SubscribeHandle struct {
	engine *ConnectivityEngine
	sub    *subscriber
}

// Subscribe registers callback to observe connectivity transitions. If
// tryToConnect is set and the channel is idle, it requests an active
// connection attempt. Starts the polling worker on the first subscription.
func (e *ConnectivityEngine) Subscribe(callback func(connectivity.State), tryToConnect bool) *SubscribeHandle {
	e.mu.Lock()
	sub := &subscriber{callback: callback}
	e.subs = append(e.subs, sub)
	if tryToConnect {
		e.tryToConnect = true
	}
	startPolling := !e.polling
	if startPolling {
		e.polling = true
	}
	// A subscriber joining after polling has already observed at least one
	// level needs its own immediate delivery; the poll loop won't notice it
	// on its own unless the transport happens to transition again.
	startDelivery := !startPolling && e.haveCurrent && !e.delivering
	if startDelivery {
		e.delivering = true
	}
	e.mu.Unlock()

	if startPolling {
		go e.poll()
	}
	if startDelivery {
		go e.deliver(nil)
	}
	return &SubscribeHandle{engine: e, sub: sub}
}

// Unsubscribe removes h's callback from future deliveries.
func (h *SubscribeHandle) Unsubscribe() {
	h.engine.unsubscribe(h.sub)
}

// Nudge requests an active connection attempt on the next poll cycle without
// registering a new subscriber, used by Supervisor's ticker to force a
// refresh of a channel that already has subscribers.
func (e *ConnectivityEngine) Nudge() {
	e.mu.Lock()
	e.tryToConnect = true
	startPolling := !e.polling
	if startPolling {
		e.polling = true
	}
	e.mu.Unlock()

	if startPolling {
		go e.poll()
	}
}

// Shutdown stops the polling worker and releases all subscribers.
func (e *ConnectivityEngine) Shutdown() {
	e.mu.Lock()
	e.subs = nil
	e.mu.Unlock()
	close(e.done)
}

// poll is the polling worker of §4.H.
func (e *ConnectivityEngine) poll() {
	e.mu.Lock()
	tryToConnect := e.tryToConnect
	e.tryToConnect = false
	e.mu.Unlock()

	level := e.transport.CheckConnectivityState(tryToConnect)

	e.mu.Lock()
	e.current = level
	e.haveCurrent = true
	haveSubs := len(e.subs) > 0
	startDelivery := haveSubs && !e.delivering
	if startDelivery {
		e.delivering = true
	}
	e.mu.Unlock()

	if startDelivery {
		initial := level
		go e.deliver(&initial)
	}

	for {
		select {
		case <-e.done:
			return
		default:
		}

		changed := e.transport.WatchConnectivityState(level, time.Now().Add(watchPollInterval))

		if e.forkGate != nil {
			e.forkGate.BlockIfForking()
		}

		e.mu.Lock()
		noSubs := len(e.subs) == 0
		wantConnect := e.tryToConnect
		if noSubs && !wantConnect {
			e.polling = false
			e.mu.Unlock()
			return
		}
		e.tryToConnect = false
		e.mu.Unlock()

		if !changed && !wantConnect {
			continue
		}

		level = e.transport.CheckConnectivityState(false)

		e.mu.Lock()
		e.current = level
		var outOfDate bool
		for _, s := range e.subs {
			if !s.everDelivered || s.lastDelivered != level {
				outOfDate = true
				break
			}
		}
		startDelivery = outOfDate && !e.delivering
		if startDelivery {
			e.delivering = true
		}
		e.mu.Unlock()

		if startDelivery {
			go e.deliver(nil)
		}
	}
}

// deliver is the delivery worker of §4.H: at most one runs per channel at a
// time. It fires callback(level) for every subscriber whose lastDelivered is
// stale, swallowing and logging panics, then rechecks for subscribers that
// went stale while it was running (because the channel kept transitioning)
// and repeats until none remain. A non-nil initial is the level poll's first
// read observed; the first round delivers it even if e.current has already
// moved on, so subscribers see the subscribe-time level first.
func (e *ConnectivityEngine) deliver(initial *connectivity.State) {
	for {
		e.mu.Lock()
		level := e.current
		if initial != nil {
			level = *initial
			initial = nil
		}
		var pending []*subscriber
		for _, s := range e.subs {
			if !s.everDelivered || s.lastDelivered != level {
				pending = append(pending, s)
			}
		}
		e.mu.Unlock()

		if len(pending) == 0 {
			e.mu.Lock()
			e.delivering = false
			e.mu.Unlock()
			return
		}

		for _, s := range pending {
			e.invokeSubscriber(s, level)
		}
	}
}

func (e *ConnectivityEngine) invokeSubscriber(s *subscriber, level connectivity.State) {
	defer func() {
		if r := recover(); r != nil {
			if e.logger != nil {
				e.logger.Error("panic in connectivity subscriber", zap.Any("recovered", r))
			}
		}
	}()

	e.mu.Lock()
	s.lastDelivered = level
	s.everDelivered = true
	e.mu.Unlock()

	s.callback(level)
}
