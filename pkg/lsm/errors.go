package lsm

import "errors"

var (
	// ErrCorruptFile indicates an SSTable failed its magic or structure checks
	ErrCorruptFile = errors.New("corrupt SSTable file")
	// ErrClosed indicates the engine has been closed
	ErrClosed = errors.New("engine is closed")
	// ErrNotFound indicates a point lookup missed every source
	ErrNotFound = errors.New("timestamp not found")
	// ErrInvalidRange indicates a range query with end <= start
	ErrInvalidRange = errors.New("invalid time range")
	// ErrIncompatibleFilters indicates a bloom merge over mismatched shapes
	ErrIncompatibleFilters = errors.New("incompatible bloom filters")
)
