package identity

import "github.com/pkg/errors"

// ErrDimensionMismatch is returned when two compared vectors differ in length.
// It indicates mixed embedding models, never a runtime input problem.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")
