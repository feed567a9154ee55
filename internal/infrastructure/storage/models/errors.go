package models

import "errors"

// Model validation errors
var (
	ErrSelfReferenceEdge = errors.New("edge cannot reference the same node as source and target")
)
