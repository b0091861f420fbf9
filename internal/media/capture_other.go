//go:build !linux || !cgo

package media

import (
	"context"

	"github.com/rs/zerolog"
)

// capture is a stub on platforms without a bundled capture driver.
func capture(_ context.Context, log zerolog.Logger) (*Stream, error) {
	log.Warn().Msg("media capture not supported on this platform")
	return nil, ErrDeviceNotFound
}
