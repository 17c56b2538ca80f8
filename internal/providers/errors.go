package providers

import (
	"errors"
	"fmt"
)

var ErrMissingCredential = errors.New("api key and endpoint must be configured")

// TransportError is a non-2xx reply from the provider. Body is kept verbatim
// so the user sees what the provider said.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// ShapeError is a 2xx reply missing the fields the adapter needs.
type ShapeError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ShapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s response: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s response: %s", e.Provider, e.Reason)
}

func (e *ShapeError) Unwrap() error {
	return e.Err
}
