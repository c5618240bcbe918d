package superego

import (
	"errors"
	"fmt"
)

// ErrProviderNotConfigured is returned when the selected provider has no credential.
var ErrProviderNotConfigured = errors.New("provider not configured")

// StreamInitError reports a request rejected before the first stream frame.
type StreamInitError struct {
	Provider string
	Err      error
}

func (e *StreamInitError) Error() string {
	return fmt.Sprintf("%s: request failed: %v", e.Provider, e.Err)
}

func (e *StreamInitError) Unwrap() error { return e.Err }

// StreamDecodeError reports a malformed or error frame after the stream started.
type StreamDecodeError struct {
	Provider string
	Err      error
}

func (e *StreamDecodeError) Error() string {
	return fmt.Sprintf("%s: stream failed: %v", e.Provider, e.Err)
}

func (e *StreamDecodeError) Unwrap() error { return e.Err }

// EmptyResponseError reports a call that completed without visible content.
//
// Diagnosis is the user-facing troubleshooting text.
type EmptyResponseError struct {
	Provider  string
	Model     string
	Diagnosis string
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("%s: empty response from model %q", e.Provider, e.Model)
}

// ExternalLookupError reports an unresolved constitution or system prompt.
type ExternalLookupError struct {
	Kind string
	ID   string
	Err  error
}

func (e *ExternalLookupError) Error() string {
	return fmt.Sprintf("%s %q could not be resolved: %v", e.Kind, e.ID, e.Err)
}

func (e *ExternalLookupError) Unwrap() error { return e.Err }

// wrapStreamError classifies err by whether any frame was seen.
func wrapStreamError(provider string, sawFrame bool, err error) error {
	if err == nil {
		return nil
	}
	if sawFrame {
		return &StreamDecodeError{Provider: provider, Err: err}
	}
	return &StreamInitError{Provider: provider, Err: err}
}
