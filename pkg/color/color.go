// Package color formats terminal output for the trail CLI.
// It respects the NO_COLOR environment variable (https://no-color.org/).
package color

import (
	"fmt"
	"os"
	"sync/atomic"
)

var state struct {
	enabled    atomic.Bool
	overridden atomic.Bool
}

func init() {
	_, noColor := os.LookupEnv("NO_COLOR")
	state.enabled.Store(!noColor && os.Getenv("TERM") != "dumb")
}

// Init disables color when noColorFlag is set.
func Init(noColorFlag bool) {
	if noColorFlag {
		Disable()
	}
}

// Enabled reports whether color output is on.
func Enabled() bool {
	return state.enabled.Load()
}

// Disable turns off color output.
func Disable() {
	state.overridden.Store(true)
	state.enabled.Store(false)
}

// Enable turns on color output.
func Enable() {
	state.overridden.Store(true)
	state.enabled.Store(true)
}

// ANSI codes.
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	DimCode = "\033[2m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Cyan    = "\033[36m"
)

func wrap(code, s string) string {
	if !Enabled() {
		return s
	}
	return code + s + Reset
}

// Success formats s in green.
func Success(s string) string { return wrap(Green, s) }

// Successf formats a success message with printf-style arguments.
func Successf(format string, args ...any) string { return Success(fmt.Sprintf(format, args...)) }

// Error formats s in red.
func Error(s string) string { return wrap(Red, s) }

// Warning formats s in yellow.
func Warning(s string) string { return wrap(Yellow, s) }

// Info formats s in cyan.
func Info(s string) string { return wrap(Cyan, s) }

// ID formats an identifier or hash.
func ID(s string) string { return wrap(Cyan, s) }

// Header formats s in bold.
func Header(s string) string { return wrap(Bold, s) }

// Dim formats secondary information.
func Dim(s string) string { return wrap(DimCode, s) }

// Severity colors a doctor finding severity.
func Severity(s string) string {
	switch s {
	case "critical", "error":
		return Error(s)
	case "warning":
		return Warning(s)
	default:
		return Info(s)
	}
}
