package plugin

import "errors"

// Resolution errors.
var (
	// ErrNilPlugin is returned when a nil plugin reaches resolution.
	ErrNilPlugin = errors.New("nil plugin in option tree")

	// ErrInvalidOption is returned when a malformed option shape is
	// encountered; this is a configuration error, never coerced.
	ErrInvalidOption = errors.New("malformed plugin option")

	// ErrResolveDepth is returned when option expansion does not
	// terminate within the pass budget, which indicates a factory that
	// keeps producing further factories.
	ErrResolveDepth = errors.New("plugin option expansion did not terminate")
)
