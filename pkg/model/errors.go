package model

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrNotFound is returned when a session id is unknown or the session is already closed.
	ErrNotFound = goerr.New("not found")

	// ErrCorruptStore marks a backing file that could not be decoded. It is
	// recovered locally and only logged.
	ErrCorruptStore = goerr.New("corrupt store")

	// ErrExternalTimeout is returned when the counterpart agent did not answer in time.
	ErrExternalTimeout = goerr.New("external agent timeout")

	// ErrExternal is returned when the counterpart agent call failed for another reason.
	ErrExternal = goerr.New("external agent failure")

	// ErrWriteConflict is returned when a file lock could not be acquired before the lock timeout.
	ErrWriteConflict = goerr.New("write conflict")

	ErrInvalidInput   = goerr.New("invalid input")
	ErrMalformedBlock = goerr.New("malformed learning block")
)
