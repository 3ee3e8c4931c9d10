package kernel

// Error is the concrete error type used throughout the kernel. Errors are
// always declared as package-level *Error variables; with no Go allocator
// available at this layer, helpers like errors.New or fmt.Errorf cannot be
// used to build them at runtime.
type Error struct {
	// Module names the subsystem that raised the error.
	Module string

	// Message is a static human-readable description.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
