package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ProtocolError associates a message with an underlying error while
// retaining the stack at the point the error was wrapped.
type ProtocolError struct {
	Inner   error
	Message string
}

func New(text string) *ProtocolError {
	return &ProtocolError{Message: text}
}

func WrapError(inner error, messagef string, messageArgs ...interface{}) *ProtocolError {
	return &ProtocolError{
		Inner:   errors.WithStack(inner),
		Message: fmt.Sprintf(messagef, messageArgs...),
	}
}

func (e *ProtocolError) Unwrap() error {
	return e.Inner
}

func (e *ProtocolError) Error() string {
	return e.Message
}
