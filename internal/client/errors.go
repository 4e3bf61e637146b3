package client

import "github.com/pkg/errors"

var (
	ErrNotConnected      = errors.New("not connected")
	ErrLoginInProgress   = errors.New("login already in progress")
	ErrClosing           = errors.New("connection is closing")
	ErrLoginTimeout      = errors.New("login timed out")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrRequestTimeout    = errors.New("request timed out")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrNilMessage        = errors.New("nil message")
)
