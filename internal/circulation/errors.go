package circulation

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrItemNotFound         = errors.New("item not found")
	ErrRequestNotFound      = errors.New("request not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrServicePointNotFound = errors.New("service point not found")
	ErrAddressTypeNotFound  = errors.New("address type not found")
	ErrEditConflict         = errors.New("edit conflict")
	// ErrPositionConflict is returned by storage when another request already
	// holds the queue position being written.
	ErrPositionConflict = errors.New("request queue position already taken")
)

// Parameter is one key/value pair identifying the input a validation error
// refers to.
type Parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ValidationError is a business rule refusal. It is returned for expected
// rejections and is never retried automatically.
type ValidationError struct {
	Message    string      `json:"message"`
	Parameters []Parameter `json:"parameters"`
}

func (e *ValidationError) Error() string {
	if len(e.Parameters) == 0 {
		return e.Message
	}
	pairs := make([]string, len(e.Parameters))
	for i, p := range e.Parameters {
		pairs[i] = fmt.Sprintf("%s=%s", p.Key, p.Value)
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(pairs, ", "))
}

// Parameter returns the value recorded for key.
func (e *ValidationError) Parameter(key string) (string, bool) {
	for _, p := range e.Parameters {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func failedValidation(message, key, value string) error {
	return &ValidationError{
		Message:    message,
		Parameters: []Parameter{{Key: key, Value: value}},
	}
}

func singleValidationError(message string, parameters ...Parameter) error {
	return &ValidationError{Message: message, Parameters: parameters}
}

// AsValidationError unwraps err into a *ValidationError when it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
