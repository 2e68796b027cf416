package store

import "errors"

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidTable = errors.New("invalid table")
	ErrInvalidID    = errors.New("invalid record id")
)
