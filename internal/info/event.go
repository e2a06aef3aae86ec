// Package info maintains the per-target ledger: one BuildEvent line per
// dependency (appended by child invocations) and a final line for the
// target itself, locked against sibling processes while in use.
package info

import (
	"path/filepath"
	"strings"

	"github.com/gmbuild/gm"
)

// header names the six tab-separated columns of an info file.
var header = []string{"directory", "script", "target", "recipe", "timestamp", "result"}

// Event is one build event: where a target was built, by which script,
// which recipe text, when, and what the artifact hashed to.
type Event struct {
	Dir       string // absolute directory the build ran from
	Script    string // build-script path as given
	Target    string // target name as given
	Stanza    string // recipe fingerprint, or "missing"/"empty"
	Timestamp string // build instant, or empty
	Checksum  string // artifact fingerprint or sentinel, or empty
}

// ParseEvent parses one ledger line. Trailing empty columns are optional:
// an event recorded before its recipe ran has neither timestamp nor result.
func ParseEvent(line string) (Event, error) {
	fields := strings.Split(strings.TrimRight(line, " \t\r\n"), "\t")
	if len(fields) < 4 || len(fields) > 6 {
		return Event{}, gm.BuildErrorf("malformed info line (%d columns): %q", len(fields), line)
	}
	e := Event{
		Dir:    fields[0],
		Script: fields[1],
		Target: fields[2],
		Stanza: fields[3],
	}
	if len(fields) > 4 {
		e.Timestamp = fields[4]
	}
	if len(fields) > 5 {
		e.Checksum = fields[5]
	}
	return e, nil
}

// Line renders the event as its ledger line, without a trailing newline.
func (e Event) Line() string {
	return strings.Join([]string{e.Dir, e.Script, e.Target, e.Stanza, e.Timestamp, e.Checksum}, "\t")
}

// ScriptPath resolves the build script relative to the event's directory.
// Identity checks between info files and callers compare these paths.
func (e Event) ScriptPath() string {
	if filepath.IsAbs(e.Script) {
		return filepath.Clean(e.Script)
	}
	return filepath.Join(e.Dir, e.Script)
}

// TargetPath resolves the target relative to the event's directory.
func (e Event) TargetPath() string {
	if filepath.IsAbs(e.Target) {
		return filepath.Clean(e.Target)
	}
	return filepath.Join(e.Dir, e.Target)
}
