// Package client provides an HTTP client for the oracle-guard API.
package client

import "errors"

var (
	// ErrNoEndpoints indicates that no API endpoint is configured.
	ErrNoEndpoints = errors.New("no endpoints configured")
	// ErrServerHTTPError indicates that the server returned an HTTP error without a typed body.
	ErrServerHTTPError = errors.New("oracle server returned HTTP error")
)
