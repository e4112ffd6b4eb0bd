// Package kv implements the hierarchical, path-addressed key-value store used for
// stream records, markers, local state and credential caches.
//
// Every node holds one JSON document. Update merges top-level fields of an object
// document; fields absent from the patch are preserved, and a scalar or array
// document is replaced. Children of a node are returned in key order where
// equal-length names sort lexically and shorter names sort first, which is
// numeric order for millisecond timestamps.
package kv

import (
	"context"
	"errors"
)

// ErrInvalidPath is returned for empty paths and malformed segments.
var ErrInvalidPath = errors.New("kv: invalid path")

// Store is the persistence contract consumed by the tracker. It has no transactions;
// callers serialize writes per channel.
type Store interface {
	// Get decodes the document at p into out. It reports false when p has no value.
	Get(ctx context.Context, p Path, out any) (bool, error)
	// Set replaces the document at p.
	Set(ctx context.Context, p Path, v any) error
	// Create writes v only when p has no value and reports whether it did.
	Create(ctx context.Context, p Path, v any) (bool, error)
	// Update merges fields into the object at p, creating it when absent. A
	// document at p that is not an object is replaced by fields.
	Update(ctx context.Context, p Path, fields map[string]any) error
	// Delete removes p and all of its descendants.
	Delete(ctx context.Context, p Path) error
	// FirstChild returns the smallest child name of p.
	FirstChild(ctx context.Context, p Path) (string, bool, error)
	// LastChild returns the largest child name of p.
	LastChild(ctx context.Context, p Path) (string, bool, error)
	// Children lists the child names of p in key order.
	Children(ctx context.Context, p Path) ([]string, error)
}
