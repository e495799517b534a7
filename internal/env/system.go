package env

import (
	"crypto/rand"
	"time"

	"github.com/kalandra/kalandra/internal/kalog"
)

// System is the production Environment: real wall-clock time and the OS
// CSPRNG, with a logged zero-fill fallback if the CSPRNG ever fails —
// mirroring original_source's SystemEnv (tokio/getrandom) in Go terms.
type System struct {
	logger kalog.Logger
}

// NewSystem constructs a System environment. logger may be nil, in which
// case kalog's package-level default logger is used for the RNG-failure
// fallback path.
func NewSystem(logger kalog.Logger) *System {
	return &System{logger: logger}
}

func (s *System) Now() time.Time { return time.Now() }

func (s *System) RandomBytes(buf []byte) {
	if _, err := rand.Read(buf); err != nil {
		if s.logger != nil {
			s.logger.Error("system rng failed, falling back to zero-fill", kalog.Err(err))
		} else {
			kalog.ErrorMsg("system rng failed, falling back to zero-fill", kalog.Err(err))
		}
		for i := range buf {
			buf[i] = 0
		}
	}
}
