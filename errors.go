package feedmux

import (
	"github.com/pkg/errors"
)

var (
	ErrConnectionClosed = errors.New("connection has been closed")
	ErrCannotConnect    = errors.New("connection cannot be established")
	ErrTerminated       = errors.New("program exit")
	ErrRateLimit        = errors.New("rate limit exceeded")
	ErrClientClosed     = errors.New("client has been disconnected by the caller")
	ErrMalformedFrame   = errors.New("malformed inbound frame")
)
