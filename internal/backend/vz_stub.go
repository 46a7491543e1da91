//go:build !darwin

package backend

import (
	"errors"

	"go.uber.org/zap"
)

// ErrVZUnsupported is returned when the Virtualization.framework backend is
// requested on a non-macOS host.
var ErrVZUnsupported = errors.New("the vz backend requires macOS")

// NewVZ is unavailable off macOS; use the memory backend instead.
func NewVZ(logger *zap.Logger) (Backend, error) {
	return nil, ErrVZUnsupported
}
