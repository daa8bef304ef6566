package memory

import "errors"

// ErrAlreadySet is returned by OnceValue.Set when a value has already been
// assigned.
var ErrAlreadySet = errors.New("value already set")

// OnceValue enforces the single-assignment discipline a VirtQueue's ring
// addresses need: a slot may
// be written exactly once, and reads before the first write report "unset"
// rather than a zero value, so a caller can't mistake an unset field for a
// legitimately-zero one.
type OnceValue[T any] struct {
	value T
	set   bool
}

// Set assigns the value, failing with ErrAlreadySet if it was already set.
func (o *OnceValue[T]) Set(v T) error {
	if o.set {
		return ErrAlreadySet
	}
	o.value = v
	o.set = true
	return nil
}

// Get returns the value and whether it has been set.
func (o *OnceValue[T]) Get() (T, bool) {
	return o.value, o.set
}

// IsSet reports whether the slot has been written.
func (o *OnceValue[T]) IsSet() bool {
	return o.set
}

// MustGet returns the value, panicking if it has not been set. Reserved for
// call sites that have already validated readiness (e.g. after checking
// Operational()).
func (o *OnceValue[T]) MustGet() T {
	if !o.set {
		panic("memory: OnceValue read before set")
	}
	return o.value
}

// Clear resets the slot to unset, allowing one further Set call. Used by
// reset paths (e.g. VirtQueue.Reset) that legitimately need to reconfigure
// a write-once field for a new operational cycle.
func (o *OnceValue[T]) Clear() {
	var zero T
	o.value = zero
	o.set = false
}
