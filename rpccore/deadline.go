package rpccore

import "time"

// EffectiveDeadline implements §4.J: the call's effective deadline is the
// earlier of the parent (trace-context-inherited) and user-supplied
// deadlines, either of which may be absent; if both are absent the call has
// no deadline at all.
func EffectiveDeadline(parent, user *time.Time) *time.Time {
	switch {
	case parent == nil && user == nil:
		return nil
	case parent == nil:
		return user
	case user == nil:
		return parent
	case parent.Before(*user):
		return parent
	default:
		return user
	}
}
