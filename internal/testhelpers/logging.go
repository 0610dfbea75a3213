package testhelpers

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var loggerOnce sync.Once

// SetupLogger sends the global logger to stderr in a readable form at debug
// level. It is configured once per test binary: background goroutines may
// outlive the test that started them and keep logging.
func SetupLogger(t *testing.T) {
	t.Helper()

	loggerOnce.Do(func() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.TimeOnly,
		}).With().Timestamp().Logger().Level(zerolog.DebugLevel)
	})
}
