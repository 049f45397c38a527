package kernel

// Error is the error value returned throughout the memory management core.
// It carries the name of the module that raised it so panic output and log
// lines can always be traced back to their source without relying on the Go
// allocator, which may not yet be available when the error is constructed.
type Error struct {
	Module  string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
