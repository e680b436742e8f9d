package goflash

import (
	"log/slog"
	"time"

	"github.com/flashkit/goflash/pkg/config"
)

// Clock supplies wall-clock timestamps; the session stamps its history
// records with it. Engines and watchdogs read time directly and do not use
// it.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the Clock used outside of tests.
var RealClock Clock = realClock{}

// Context carries the ambient dependencies every engine needs instead of
// reaching for process-wide globals: a logger, configuration, and a clock.
// The caller builds one Context and hands it to the session, which passes it
// to every engine call and takes the watchdog's logger from it; transports
// do not receive it.
type Context struct {
	Logger *slog.Logger
	Config *config.Config
	Clock  Clock
}

// NewContext returns a Context with sane defaults, matching the fields left
// unset by the caller. Config may be nil; engines that need a catalogue
// entry treat a nil Config the same as an empty one.
func NewContext(logger *slog.Logger, cfg *config.Config) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &config.Config{Chips: map[string]*config.ChipEntry{}}
	}
	return &Context{Logger: logger, Config: cfg, Clock: RealClock}
}
