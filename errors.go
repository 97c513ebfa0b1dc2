package bfield

// errorType follows the teacher's sentinel-error idiom (see
// gsfa/offsetstore/offsetstore.go): a typed string constant, comparable
// with errors.Is without allocating, for conditions callers are expected to
// branch on.
type errorType string

func (e errorType) Error() string { return string(e) }

const (
	// ErrNotFound is returned by Load when zero member files could be
	// opened starting from the given path.
	ErrNotFound = errorType("bfield: no member files found")

	// ErrReadOnly is the value Insert and ForceInsert panic with when
	// called on a cascade opened read-only.
	ErrReadOnly = errorType("bfield: cascade is read-only")

	// ErrNotInMemory is returned by PersistToDisk when called on a
	// cascade that has no in-memory members left to materialize.
	ErrNotInMemory = errorType("bfield: cascade has no in-memory members")

	// ErrBadStem is returned by Create when stem is empty, and by Load
	// when the path's stem before ".0.bfd" is empty.
	ErrBadStem = errorType("bfield: stem must not be empty")

	// ErrBadPass is the value Insert panics with when pass is out of
	// [0, n).
	ErrBadPass = errorType("bfield: pass out of range")
)
