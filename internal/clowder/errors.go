package clowder

import "errors"

// ErrNotFound marks lookups of unknown templates, pipelines, or jobs.
// Surfaced to HTTP as 404.
var ErrNotFound = errors.New("not found")

// ErrInvalidRequest marks malformed input or an invalid state transition.
// Surfaced to HTTP as 400.
var ErrInvalidRequest = errors.New("invalid request")
