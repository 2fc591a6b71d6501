package model

import (
	"errors"
)

var (
	ErrConfigVersion = errors.New("unsupported config version")
	ErrConfigInvalid = errors.New("invalid config")
	ErrNotAccepting  = errors.New("not accepting")
	ErrUnknownLine   = errors.New("unknown control line")
	ErrBadLine       = errors.New("malformed control line")
)
