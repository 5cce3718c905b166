package model

import "github.com/pkg/errors"

// ErrShapeMismatch is returned when an image or tensor does not match the
// dimensions a model expects. It is raised before any inference call.
var ErrShapeMismatch = errors.New("shape mismatch")
