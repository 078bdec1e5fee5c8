package rpccore

// CallFlags composes the small set of per-call bits that ride alongside the
// initial batch, matching §4.I's encoding: two booleans distinguish
// "default" from "explicitly set false" for wait-for-ready, so that a nil
// input leaves the flags untouched rather than silently defaulting to
// false.
type CallFlags struct {
	waitForReady         bool
	waitForReadyExplicit bool
}

// WithWaitForReady composes the wait-for-ready bit. A nil v leaves the flags
// untouched; true sets both waitForReady and waitForReadyExplicit; false
// clears waitForReady and sets waitForReadyExplicit, which is how the
// encoding preserves "explicitly disabled" distinctly from "never asked".
func (f CallFlags) WithWaitForReady(v *bool) CallFlags {
	if v == nil {
		return f
	}
	f.waitForReady = *v
	f.waitForReadyExplicit = true
	return f
}

// WaitForReady reports the effective bit and whether it was ever explicitly
// set (as opposed to left at its zero-value default).
func (f CallFlags) WaitForReady() (value, explicit bool) {
	return f.waitForReady, f.waitForReadyExplicit
}
