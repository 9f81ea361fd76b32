package service

import (
	"errors"
	"fmt"

	"procurebot/internal/repository"
)

var (
	// ErrForbidden is returned when the actor's role may not perform the operation
	ErrForbidden = errors.New("not allowed for your role")
	// ErrConflict is returned when the request was already moved on by someone else
	ErrConflict = errors.New("request was already processed by someone else")
	// ErrNotFound is returned for unknown request ids
	ErrNotFound = errors.New("request not found")
	// ErrInvalidInput is returned when supplied values fail validation
	ErrInvalidInput = errors.New("invalid input")
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// fromRepo maps repository sentinels onto service errors
func fromRepo(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrConflict):
		return ErrConflict
	}
	return err
}
