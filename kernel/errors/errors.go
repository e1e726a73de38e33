// Package errors defines the closed set of error tags returned by the
// kernel core. Every *kernel.Error value produced by a core subsystem wraps
// one of these tags so callers can branch on the failure class without
// string comparisons.
package errors

// Tag identifies the class of a kernel error.
type Tag uint8

const (
	// Ok indicates success. Subsystems return a nil *kernel.Error rather
	// than an Error wrapping Ok; the tag exists so callers have a zero
	// value to compare against.
	Ok Tag = iota

	// Invalid indicates a malformed argument (bad alignment, nil pointer,
	// out-of-range index, ...).
	Invalid

	// OutOfMemory indicates that no physical frame, virtual range, or
	// slab object was available to satisfy the request.
	OutOfMemory

	// Busy indicates a resource is already owned or populated and the
	// operation must be retried or abandoned (e.g. unlocking a mutex you
	// don't own, disposing a non-empty wait queue).
	Busy

	// Interrupted indicates a blocking call returned without completing
	// its request because of a timeout or a foreign wakeup.
	Interrupted

	// Unsupported indicates a request that is syntactically valid but not
	// implemented by this configuration (e.g. mapping inside the self-map
	// window).
	Unsupported

	// PermissionDenied indicates the caller does not own the resource it
	// is trying to mutate (e.g. unlocking a mutex it does not hold).
	PermissionDenied

	// Fatal indicates a condition that leaves the kernel in an
	// inconsistent state; the only correct response is to halt.
	Fatal
)

// String returns a human-readable name for the tag, used when formatting
// *kernel.Error values for the console.
func (t Tag) String() string {
	switch t {
	case Ok:
		return "ok"
	case Invalid:
		return "invalid"
	case OutOfMemory:
		return "out of memory"
	case Busy:
		return "busy"
	case Interrupted:
		return "interrupted"
	case Unsupported:
		return "unsupported"
	case PermissionDenied:
		return "permission denied"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}
