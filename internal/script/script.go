// Package script parses gm build scripts and selects recipes for targets.
//
// A build script starts with a shebang-style line naming the interpreter,
// followed by stanzas. Each stanza opens with another shebang-style marker
// whose remainder is a whitespace-separated pattern-set, and whose body is
// the following indented lines.
package script

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/gmbuild/gm"
)

// marker matches the shebang-style lines that open a script and each
// stanza: a comment prefix, a discriminator (`?` normal, `!` always), and
// the remainder (interpreter command line or pattern-set).
var (
	marker       = regexp.MustCompile(`^(#|//|;|--)(\?|!)(.*)`)
	comment      = regexp.MustCompile(`^\s*(#|//|;|--)`)
	leadingSpace = regexp.MustCompile(`^\s*`)
)

var defaultInterpreter = []string{"/bin/sh", "-se"}

type stanza struct {
	patterns string // raw pattern-set, whitespace-separated
	always   bool
	body     string
}

// Script is a parsed build file: the interpreter command line and the
// stanzas in file order.
type Script struct {
	Interpreter []string
	stanzas     []stanza
}

// Parse reads and parses the build script at path.
func Parse(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, gm.BuildErrorf("%v", err)
	}
	defer f.Close()
	return ParseReader(f, path)
}

// ParseReader parses a build script from r; name is used in diagnostics.
func ParseReader(r io.Reader, name string) (*Script, error) {
	br := bufio.NewReader(r)

	first, err := readLine(br)
	if err != nil && first == "" {
		return nil, gm.BuildErrorf("Missing first line \"#!\" in %s", name)
	}
	bang := marker.FindStringSubmatch(first)
	if bang == nil {
		return nil, gm.BuildErrorf("Missing first line \"#!\" in %s", name)
	}

	s := &Script{Interpreter: defaultInterpreter}
	// The first token is the path the kernel used to run the script (this
	// tool); the interpreter command line is everything after it.
	if fields := strings.Fields(bang[3]); len(fields) > 1 {
		s.Interpreter = fields[1:]
	}

	var (
		patterns  string
		open      bool
		always    bool
		body      strings.Builder
		indent    string
		indentSet bool
	)
	flush := func() {
		if open {
			s.stanzas = append(s.stanzas, stanza{patterns: patterns, always: always, body: body.String()})
		}
		open, always = false, false
		body.Reset()
		indent, indentSet = "", false
	}

	for {
		line, err := readLine(br)
		if line != "" || err == nil {
			if strings.TrimSpace(line) == "" {
				body.WriteString(line)
			} else {
				if !indentSet {
					indent = leadingSpace.FindString(line)
					indentSet = true
				}
				que := marker.FindStringSubmatch(line)
				switch {
				case open && que == nil && strings.HasPrefix(line, indent):
					body.WriteString(line[len(indent):])
				case !comment.MatchString(line):
					return nil, gm.BuildErrorf("Unexpected line in %s:\n%s", name, line)
				default:
					flush()
				}
				if que != nil {
					patterns, always, open = que[3], que[2] == "!", true
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, gm.BuildErrorf("%s: %v", name, err)
		}
	}
	flush()

	return s, nil
}

// readLine returns the next line including its trailing newline, mirroring
// line iteration over the original file. At EOF the final unterminated line
// (if any) is returned alongside the error.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	return line, err
}
