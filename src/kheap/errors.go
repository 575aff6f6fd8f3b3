package kheap

import "errors"

var (
	// ErrNotInitialized is returned by every heap operation before Init.
	ErrNotInitialized = errors.New("kheap: heap not initialized")

	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = errors.New("kheap: heap already initialized")

	// ErrUnknownStrategy indicates a strategy name or value that is not supported.
	ErrUnknownStrategy = errors.New("kheap: unknown allocation strategy")
)
