package rpccore

import (
	"sync"

	"google.golang.org/grpc/codes"
)

// RPCState is the per-call mutable state shared between the rendezvous that
// owns it for reading convenience and the channel spin worker (or, for the
// single-threaded rendezvous, the calling goroutine itself) that mutates it
// under its condition variable.
//
// Finality invariant: once Code is non-nil it never changes; every waiter
// must observe the first terminal code.
type RPCState struct {
	mu   sync.Mutex
	cond *sync.Cond

	due map[OpKind]struct{}

	initialMetadata  Metadata
	haveInitial      bool
	response         []byte
	haveResponse     bool
	trailingMetadata Metadata
	haveTrailing     bool

	code    *codes.Code
	details string
	debugErrorString string

	cancelled bool

	callbacks      []func()
	callbacksFired bool

	forkEpoch uint64
}

// NewRPCState constructs a state with the given initial due set.
func NewRPCState(due []OpKind) *RPCState {
	s := &RPCState{
		due: make(map[OpKind]struct{}, len(due)),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, k := range due {
		s.due[k] = struct{}{}
	}
	return s
}

// Lock/Unlock/Cond expose the guarding condition variable to collaborators
// (dispatcher, pump, rendezvous) that must mutate several fields atomically.
func (s *RPCState) Lock()         { s.mu.Lock() }
func (s *RPCState) Unlock()       { s.mu.Unlock() }
func (s *RPCState) Cond() *sync.Cond { return s.cond }

// addDue marks kind as outstanding. Must be called before the batch
// containing it is submitted to the transport, and while holding the lock.
func (s *RPCState) addDue(kind OpKind) {
	s.due[kind] = struct{}{}
}

// AddDue is the exported, lock-taking counterpart used by callers
// (pump, multicallable) that are not already holding the state's lock.
func (s *RPCState) AddDue(kind OpKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addDue(kind)
}

func (s *RPCState) removeDue(kind OpKind) {
	delete(s.due, kind)
}

// IsDue reports whether kind is currently outstanding.
func (s *RPCState) IsDue(kind OpKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.due[kind]
	return ok
}

// Rollback removes kinds from due without ever having observed a completion;
// used when the transport refuses a batch.
func (s *RPCState) Rollback(kinds []OpKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range kinds {
		s.removeDue(k)
	}
	s.cond.Broadcast()
}

// IsTerminal reports whether a terminal status code has been recorded.
func (s *RPCState) IsTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code != nil
}

// Cancelled reports whether the caller requested cancellation before status
// arrived.
func (s *RPCState) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// ForkEpoch returns the generation this state's workers were spawned under.
func (s *RPCState) ForkEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forkEpoch
}
