package apidriver

import (
	"os"

	"github.com/rs/zerolog"
)

// defaultLogger writes warnings and errors to stderr. Retry decisions and
// refresh-token renewal failures are logged at warn level; token exchanges
// at debug.
var defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)
