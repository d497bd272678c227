package model

import "errors"

var (
	// ErrSessionConflict means the same credential is live in another process.
	// Retrying cannot help; an operator has to issue a fresh session.
	ErrSessionConflict = errors.New("session used by another client")
	// ErrNotFound is returned by lookups of records or messages that do not exist.
	ErrNotFound = errors.New("not found")
)
