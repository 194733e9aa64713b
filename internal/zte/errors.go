package zte

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable wraps transport failures (connect, timeout, reset).
	ErrUnreachable = errors.New("router unreachable")

	// ErrProtocol wraps responses that do not match the expected shape.
	ErrProtocol = errors.New("router protocol error")

	// ErrLoginRejected is returned when the router answers LOGIN with a non-zero result.
	ErrLoginRejected = fmt.Errorf("%w: login rejected", ErrProtocol)

	// ErrNotAuthenticated is returned by Reboot when no session secret is held.
	ErrNotAuthenticated = errors.New("router session not authenticated")

	// ErrConfig is returned at construction for missing or invalid settings.
	ErrConfig = errors.New("router configuration error")
)
