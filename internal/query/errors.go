package query

import "errors"

// Compilation errors are client-input errors: the whole query is rejected
// synchronously with no partial results, and never retried.
var (
	ErrUnsupportedFilter = errors.New("query: unsupported filter expression")
	ErrUnknownTag        = errors.New("query: unknown tag")
	ErrTagNotLoaded      = errors.New("query: tag not loaded")
	ErrMultipleCountries = errors.New("query: filter must name a single country")
	ErrUnsupportedSort   = errors.New("query: unsupported sort")
)

// IsCompileError reports whether err is a query-compilation failure, as
// opposed to a store error.
func IsCompileError(err error) bool {
	return errors.Is(err, ErrUnsupportedFilter) ||
		errors.Is(err, ErrUnknownTag) ||
		errors.Is(err, ErrTagNotLoaded) ||
		errors.Is(err, ErrMultipleCountries) ||
		errors.Is(err, ErrUnsupportedSort)
}
