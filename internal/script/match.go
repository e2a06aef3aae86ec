package script

import (
	"regexp"
	"strings"
	"sync"
)

// Recipe is the composite produced by matching one target against a script.
// A nil Stanza means no recipe matched; executing such a Recipe is an
// error, but an existing target file still yields a valid dependency event.
type Recipe struct {
	Interpreter []string
	Stanza      *string
	Always      bool
	Ignore      bool
}

// Match composes the recipes of all stanzas whose pattern-set matches
// target. Stanza bodies concatenate in declaration order, always flags OR
// together, and a matching `!`-prefixed pattern marks the target virtual.
// If every matching pattern is the literal `*`, the composite carries no
// recipe: `*` alone is only a fallback.
func (s *Script) Match(target string) Recipe {
	var composed *string
	always, ignore := false, false
	generic := true
	for _, st := range s.stanzas {
		for _, p := range strings.Fields(st.patterns) {
			bang := strings.HasPrefix(p, "!")
			if !fnmatch(strings.TrimPrefix(p, "!"), target) {
				continue
			}
			if composed == nil {
				body := st.body
				composed = &body
			} else {
				body := *composed + st.body
				composed = &body
			}
			always = always || st.always
			ignore = ignore || bang
			generic = generic && p == "*"
			break
		}
	}
	if generic {
		composed = nil
	}
	return Recipe{Interpreter: s.Interpreter, Stanza: composed, Always: always, Ignore: ignore}
}

var globs struct {
	sync.Mutex
	compiled map[string]*regexp.Regexp
}

// fnmatch matches name against a Unix glob pattern (`?`, `*`, `[...]`).
// Unlike filepath.Match, `*` also crosses path separators, which lets a
// pattern like `tgt/*` cover a whole subtree.
func fnmatch(pattern, name string) bool {
	globs.Lock()
	re, ok := globs.compiled[pattern]
	if !ok {
		var err error
		re, err = regexp.Compile(translate(pattern))
		if err != nil {
			re = nil
		}
		if globs.compiled == nil {
			globs.compiled = make(map[string]*regexp.Regexp)
		}
		globs.compiled[pattern] = re
	}
	globs.Unlock()
	if re == nil {
		return false
	}
	return re.MatchString(name)
}

// translate converts a glob pattern to an anchored regular expression.
func translate(pattern string) string {
	var b strings.Builder
	b.WriteString(`^(?:`)
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			j := i + 1
			if j < len(pattern) && pattern[j] == '!' {
				j++
			}
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j >= len(pattern) {
				b.WriteString(`\[`)
				continue
			}
			set := strings.ReplaceAll(pattern[i+1:j], `\`, `\\`)
			i = j
			switch {
			case strings.HasPrefix(set, "!"):
				b.WriteString(`[^` + set[1:] + `]`)
			case strings.HasPrefix(set, "^"):
				b.WriteString(`[\^` + set[1:] + `]`)
			default:
				b.WriteString(`[` + set + `]`)
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString(`)$`)
	return b.String()
}
