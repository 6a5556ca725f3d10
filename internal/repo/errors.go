package repo

import (
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	// It aliases gorm.ErrRecordNotFound so callers can match either.
	ErrNotFound = gorm.ErrRecordNotFound

	// ErrDuplicate indicates that an idempotency record already exists for
	// the given (source, key) pair.
	ErrDuplicate = errors.New("duplicate")
)
