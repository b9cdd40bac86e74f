package esri

import (
	"errors"
	"fmt"
)

// UpstreamError is a structured {"error":{...}} payload returned by the remote
// service. It is terminal: retrying the same request yields the same answer.
type UpstreamError struct {
	Code    int
	Message string
	Details []string
	URL     string
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
}

// TransportError covers network failures and non-2xx HTTP statuses.
type TransportError struct {
	URL    string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport %s: http %d", e.URL, e.Status)
	}
	return fmt.Sprintf("transport %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError is a body that could not be decoded even after sanitizing.
type ParseError struct {
	URL  string
	Body string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.URL, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// IsRetryable reports whether err belongs to the transport or parse class.
func IsRetryable(err error) bool {
	var te *TransportError
	var pe *ParseError
	return errors.As(err, &te) || errors.As(err, &pe)
}
