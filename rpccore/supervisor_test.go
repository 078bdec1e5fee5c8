package rpccore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/connectivity"
)

func TestSupervisor_StartObservesInitialStateThenStopIsIdempotent(t *testing.T) {
	transport := &scriptedConnTransport{states: []connectivity.State{connectivity.Ready}}
	engine := NewConnectivityEngine(transport, nil, zap.NewNop())
	defer engine.Shutdown()

	sup := NewSupervisor(engine, 15*time.Millisecond, zap.NewNop())
	sup.Start()
	time.Sleep(40 * time.Millisecond)

	sup.mu.Lock()
	require.True(t, sup.haveLast)
	require.Equal(t, connectivity.Ready, sup.last)
	sup.mu.Unlock()

	// Stop must be safe to call multiple times and must return promptly.
	done := make(chan struct{})
	go func() {
		sup.Stop()
		sup.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestSupervisor_StartTwiceIsNoop(t *testing.T) {
	transport := &scriptedConnTransport{states: []connectivity.State{connectivity.Idle}}
	engine := NewConnectivityEngine(transport, nil, zap.NewNop())
	defer engine.Shutdown()

	sup := NewSupervisor(engine, time.Second, zap.NewNop())
	sup.Start()
	sup.Start()
	sup.Stop()
}

func TestNewSupervisor_NonPositiveIntervalFallsBackToDefault(t *testing.T) {
	transport := &scriptedConnTransport{states: []connectivity.State{connectivity.Idle}}
	engine := NewConnectivityEngine(transport, nil, zap.NewNop())
	defer engine.Shutdown()

	sup := NewSupervisor(engine, 0, zap.NewNop())
	require.Equal(t, supervisorInterval, sup.interval)
}
