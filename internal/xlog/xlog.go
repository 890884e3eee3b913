// Package xlog carries the teacher runtime's leveled-verbosity logging
// convention (Lvl1 noisiest-relevant .. Lvl5 debug-only) on top of
// zerolog's structured event API, so call sites can attach fields like
// query_id, role and step the way the plain string-concatenation Lvl
// helpers in the ancestor codebase could not.
package xlog

import (
	"os"
	"strconv"

	"github.com/rs/zerolog"
)

var base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// level mirrors the DEBUG_LVL environment variable of the ancestor
// codebase: 1 is quiet, 5 is everything.
var level = readLevel()

func readLevel() int {
	v := os.Getenv("HELPER_DEBUG_LVL")
	if v == "" {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 1
	}
	return n
}

// Logger returns the base structured logger; callers attach fields with
// .With().Str(...).Logger() before logging, matching zerolog's normal
// contextual-logger idiom.
func Logger() zerolog.Logger {
	return base
}

// Lvl logs an event at the given verbosity level; levels above the
// configured threshold are dropped without formatting cost.
func Lvl(n int, msg string) {
	if n > level {
		return
	}
	base.Info().Msg(msg)
}

// Lvl1 through Lvl5 exist for direct grounding in the teacher's call
// sites (log.Lvl1, log.Lvl2, ...); each is a thin wrapper over Lvl.
func Lvl1(msg string) { Lvl(1, msg) }
func Lvl2(msg string) { Lvl(2, msg) }
func Lvl3(msg string) { Lvl(3, msg) }
func Lvl4(msg string) { Lvl(4, msg) }
func Lvl5(msg string) { Lvl(5, msg) }

// Error logs at error level unconditionally.
func Error(msg string, err error) {
	base.Error().Err(err).Msg(msg)
}

// Fatal logs at error level then exits the process, matching the
// ancestor codebase's log.Fatal semantics (used only in cmd/ binaries,
// never inside library code).
func Fatal(msg string, err error) {
	base.Fatal().Err(err).Msg(msg)
}
