package domain

import "errors"

// ErrNotFound is returned by store implementations when a row does not
// exist. Callers branch on it with errors.Is.
var ErrNotFound = errors.New("record not found")
