// Package query is the single entry point for price queries. It combines the
// failure guard, the provider collector, the aggregation engine and the
// result cache.
package query

import "errors"

var (
	// ErrUnknownFeed indicates a feed ID with no configuration.
	ErrUnknownFeed = errors.New("unknown feed")
	// ErrDuplicateFeed indicates two feeds resolving to the same canonical ID.
	ErrDuplicateFeed = errors.New("duplicate feed")
	// ErrNoProviders indicates a feed configured without providers.
	ErrNoProviders = errors.New("feed has no providers")
)
