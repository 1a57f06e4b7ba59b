package scheduler

import (
	"errors"

	"circuitpoll/internal/poll/dispatcher"
)

var (
	ErrInvalidConfig = errors.New("invalid scheduler config")
	ErrUnknownDevice = errors.New("unknown device")

	// ErrUnknownCircuit is returned for nil jobs and jobs without a circuit.
	ErrUnknownCircuit = dispatcher.ErrUnknownCircuit
)
