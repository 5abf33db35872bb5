package geoview

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest      = errors.New("geoview: invalid request")
	ErrNotFound            = errors.New("geoview: not found")
	ErrAlreadyExists       = errors.New("geoview: already exists")
	ErrUnknownExtension    = errors.New("geoview: unknown extension")
	ErrUpstreamUnavailable = errors.New("geoview: upstream unavailable")
	ErrCanceled            = errors.New("geoview: canceled")
)

var (
	ErrSourceNotFound     = fmt.Errorf("%w: source", ErrNotFound)
	ErrLayerNotFound      = fmt.Errorf("%w: layer", ErrNotFound)
	ErrAnnotationNotFound = fmt.Errorf("%w: view annotation", ErrNotFound)
	ErrInvalidAnchor      = fmt.Errorf("%w: unresolvable anchor", ErrInvalidRequest)
)

func invalidf(area string, format string, args ...interface{}) error {
	return fmt.Errorf("geoview/%s: %w - %s", area, ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Result carries either a value or an error, never both.
type Result[T any] struct {
	Value T
	Err   error
}

func (r Result[T]) Ok() bool {
	return r.Err == nil
}

func makeResult[T any](v T, err error) Result[T] {
	if err != nil {
		var zero T
		return Result[T]{Value: zero, Err: err}
	}
	return Result[T]{Value: v}
}
