package storage

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateLiveHash is returned when inserting an alert whose hash is
	// already held by a live instance; the caller merges into that instance
	// instead
	ErrDuplicateLiveHash = errors.New("storage: live alert exists for hash")
)
