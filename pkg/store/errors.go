package store

import (
	"errors"
	"fmt"
)

// Storage errors for the append-only store.
var (
	// ErrInvalidKey is returned when a key cannot be mapped to a file name.
	ErrInvalidKey = errors.New("invalid key")
	// ErrCorrupt is matched by every IntegrityError.
	ErrCorrupt = errors.New("stored data corrupt")
)

// IntegrityError reports a stored record that no longer matches its checksum
// or cannot be parsed. It is surfaced to callers and never repaired.
type IntegrityError struct {
	Path     string
	Line     int
	Stored   string
	Computed string
	Reason   string
}

func (e *IntegrityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("integrity: %s line %d: %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("integrity: %s line %d: checksum %s does not match computed %s", e.Path, e.Line, e.Stored, e.Computed)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrCorrupt }

// IOError reports a failed filesystem operation. The canonical file for the
// key is unchanged when an append returns it.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsIntegrity reports whether err carries an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsIO reports whether err carries an IOError.
func IsIO(err error) bool {
	var ioe *IOError
	return errors.As(err, &ioe)
}
