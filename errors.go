package datalayer

import "errors"

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAlreadyOpen      = errors.New("subscription already open")
	ErrNoNodes          = errors.New("no nodes to subscribe")
	ErrTimeout          = errors.New("timeout")
	ErrClosed           = errors.New("closed")
	ErrEndedByServer    = errors.New("stream ended by server")
	ErrMalformedToken   = errors.New("malformed auth response")
)
