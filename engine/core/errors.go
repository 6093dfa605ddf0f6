package core

import (
	"errors"
)

var (
	ErrEventSystemDown = errors.New("event system not initialized")
	ErrInputSystemDown = errors.New("input system not initialized")
	ErrUnknown         = errors.New("unknown")
)
