package record

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrSerialization         = errors.New("serialization error")
	ErrUnexpectedCommandType = errors.New("unexpected command type")
)

// SerializationError reports a frame that could not be encoded or decoded.
// Offset is the position of the frame inside its segment, when known.
type SerializationError struct {
	Offset int64
	Err    error
}

func serializationError(err error) error {
	if err == nil {
		return nil
	}

	return &SerializationError{Err: err}
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error at offset %d: %s", e.Offset, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

func (e *SerializationError) Is(target error) bool {
	return target == ErrSerialization
}
