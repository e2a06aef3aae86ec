// Package gmenv centralizes the environment variables through which gm
// invocations configure themselves and talk to their children.
package gmenv

import (
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// Variable names. Dep and StartTime are also outputs: every recipe child
// inherits the parent's build instant and the path of the info file to
// append its terminal event to.
const (
	Dep       = "GM_FILE"
	LogLevel  = "LOG"
	Remake    = "GM_REMAKE"
	StartTime = "GM_STARTTIME"
	Threads   = "GM_THREADS"
	Timeout   = "GM_TIMEOUT"
)

// TimeLayout is the on-disk timestamp format (microsecond precision,
// fixed width). Comparisons between build instants are string-exact, so
// the layout must never change.
const TimeLayout = "2006-01-02T15:04:05.000000"

func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// ParseTime parses a TimeLayout string. The special value "now" yields the
// current wall-clock time.
func ParseTime(s string) (time.Time, error) {
	if s == "now" {
		return time.Now(), nil
	}
	t, err := time.ParseInLocation(TimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, xerrors.Errorf("timestamp %q: %w", s, err)
	}
	return t, nil
}

// StartTimeValue returns the build instant inherited from the parent, or
// "now" for a fresh top-level invocation.
func StartTimeValue() string {
	if v := os.Getenv(StartTime); v != "" {
		return v
	}
	return "now"
}

// LockWait is the rough maximum wait for info file locks, in seconds.
func LockWait() int {
	return intValue(Timeout, 60)
}

// MaxThreads is the top-level worker count.
func MaxThreads() int {
	return intValue(Threads, 8)
}

// RemakeSet reports whether GM_REMAKE requests an unconditional rebuild.
func RemakeSet() bool {
	switch strings.ToLower(os.Getenv(Remake)) {
	case "true", "yes", "1", "on":
		return true
	}
	return false
}

func intValue(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
