package job

import "fmt"

// ReadError is returned by Execute when the remote read fails. The scheduler
// only distinguishes success from failure; the wrapped error is kept for logs.
type ReadError struct {
	Key Key
	Op  string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
