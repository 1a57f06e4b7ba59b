package dispatcher

import "errors"

var (
	ErrUnknownCircuit = errors.New("job has no circuit")
	ErrNilJob         = errors.New("nil job")
)
