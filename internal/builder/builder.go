// Package builder is the change-detection and execution engine: it decides
// per target whether the recorded artifact is still up to date, runs the
// recipe when it is not, and persists the outcome next to the artifact.
package builder

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apex/log"
	"golang.org/x/xerrors"

	"github.com/gmbuild/gm"
	"github.com/gmbuild/gm/internal/fingerprint"
	"github.com/gmbuild/gm/internal/gmenv"
	"github.com/gmbuild/gm/internal/info"
	"github.com/gmbuild/gm/internal/script"
)

// Rebuild decisions stamped within this window of the current build instant
// count as already checked. Keeps sibling callers from rechecking a target
// that another worker of the same build just finished with.
const stampAccuracy = 10 * time.Millisecond

// Cmd names one build request: a target, the script that knows how to make
// it, and the directory both are resolved against.
type Cmd struct {
	Dir    string
	Script string
	Target string
}

// Builder drives builds sharing one build instant and one script cache. It
// is safe for concurrent use by the driver's workers.
type Builder struct {
	// Start is the wall-clock instant of the user-initiated invocation
	// tree, inherited from the parent via GM_STARTTIME.
	Start string

	start    time.Time
	remake   bool
	lockWait int

	mu      sync.Mutex
	scripts map[string]*script.Script
}

// New derives a Builder from the environment: the inherited build instant,
// the lock wait budget, and whether GM_REMAKE forces rebuilds.
func New() (*Builder, error) {
	start, err := gmenv.ParseTime(gmenv.StartTimeValue())
	if err != nil {
		return nil, err
	}
	log.Debugf("Build: %s", gmenv.FormatTime(start))
	return &Builder{
		Start:    gmenv.FormatTime(start),
		start:    start,
		remake:   gmenv.RemakeSet(),
		lockWait: gmenv.LockWait(),
		scripts:  make(map[string]*script.Script),
	}, nil
}

// Build brings cmd's target up to date and returns its build event. Targets
// without a recipe but with an existing file are treated as source files.
func (b *Builder) Build(ctx context.Context, cmd Cmd) (info.Event, error) {
	recipe, err := b.recipe(cmd)
	if err != nil {
		return info.Event{}, err
	}

	current := &info.Event{
		Dir:    cmd.Dir,
		Script: cmd.Script,
		Target: cmd.Target,
		Stanza: fingerprint.Stanza(recipe.Stanza),
	}
	log.Debugf("Checking %s", current.Line())

	if current.Stanza == fingerprint.Missing {
		if _, err := os.Stat(current.TargetPath()); err == nil {
			log.Infof("Dependency %s", cmd.Target)
			current.Checksum, err = fingerprint.File(current.TargetPath())
			if err != nil {
				return info.Event{}, err
			}
			return *current, nil
		}
	}

	current.Timestamp = b.Start

	inf, err := info.Open(ctx, current, recipe.Ignore, b.lockWait)
	if err != nil {
		return info.Event{}, err
	}

	event, err := b.locked(ctx, inf, recipe, cmd)
	if cerr := inf.Close(err); err == nil {
		err = cerr
	}
	if err != nil {
		return info.Event{}, err
	}
	return event, nil
}

// locked is the portion of Build that runs while holding the target's lock.
func (b *Builder) locked(ctx context.Context, inf *info.Info, recipe script.Recipe, cmd Cmd) (info.Event, error) {
	upToDate, reason, err := b.check(ctx, inf, recipe)
	if err != nil {
		return info.Event{}, err
	}

	if upToDate {
		log.Infof("Skip %s from %s because %s", cmd.Target, cmd.Script, reason)
		// Keeps the checksum from the last build so callers see no change.
		return *inf.Last, nil
	}
	if recipe.Always {
		log.Infof("Make %s from %s because %s", cmd.Target, cmd.Script, reason)
	} else {
		log.Warnf("Make %s from %s because %s", cmd.Target, cmd.Script, reason)
	}

	if err := inf.Begin(); err != nil {
		return info.Event{}, err
	}
	extra := map[string]string{
		gmenv.StartTime: b.Start,
		gmenv.Dep:       inf.Filename,
	}
	if err := b.run(ctx, recipe, cmd, extra); err != nil {
		return info.Event{}, err
	}

	inf.Current.Timestamp = b.Start
	if recipe.Ignore {
		inf.Current.Checksum = fingerprint.Ignore
	} else {
		sum, err := fingerprint.File(inf.Current.TargetPath())
		if err != nil {
			return info.Event{}, err
		}
		inf.Current.Checksum = sum
	}
	if err := inf.Commit(); err != nil {
		return info.Event{}, err
	}
	return *inf.Current, nil
}

// check is the up-to-date predicate: evaluated in order, first failure
// wins, and the reason is diagnostic.
func (b *Builder) check(ctx context.Context, inf *info.Info, recipe script.Recipe) (bool, string, error) {
	if inf.Last == nil {
		return false, "it hasn't completed", nil
	}

	// Any given recipe runs at most once per build. Side effects between
	// checks are not detected within the window.
	log.Debugf("last build: %s this build: %s", inf.Timestamp, b.start)
	if b.start.Sub(inf.Timestamp) <= stampAccuracy {
		return true, "it was checked this build", nil
	}

	if recipe.Always {
		return false, "it's a shebang recipe", nil
	}

	if inf.Current.Stanza != inf.Last.Stanza || inf.Current.Dir != inf.Last.Dir {
		return false, "its recipe changed", nil
	}

	// Catches changes made outside of gm.
	if !recipe.Ignore {
		sum, err := fingerprint.File(inf.Current.TargetPath())
		if err != nil {
			return false, "", err
		}
		inf.Current.Checksum = sum
		if inf.Current.Checksum != inf.Last.Checksum {
			return false, "it changed to " + inf.Current.Checksum, nil
		}
	}

	for _, dep := range inf.Deps {
		updated, err := b.Build(ctx, Cmd{Dir: dep.Dir, Script: dep.Script, Target: dep.Target})
		if err != nil {
			var be *gm.BuildError
			if xerrors.As(err, &be) {
				// The rebuild will re-raise once its own recipe runs.
				return false, dep.Target + ` raised error "` + be.Msg + `"`, nil
			}
			return false, "", err
		}

		if updated.Checksum != dep.Checksum {
			return false, dep.Target + " changed to " + updated.Checksum, nil
		}
		// Nonsum results carry no content hash; timestamps disambiguate.
		if fingerprint.Nonsum(updated.Checksum) && updated.Timestamp != dep.Timestamp {
			return false, dep.Target + " was updated " + updated.Timestamp, nil
		}
	}

	if b.remake {
		return false, gmenv.Remake + " environment variable is set", nil
	}

	if err := inf.Checked(); err != nil {
		return false, "", err
	}
	return true, "dependencies unchanged", nil
}

// recipe parses (or reuses) the script named by cmd and composes the recipe
// for its target. Scripts are cached per canonical absolute path.
func (b *Builder) recipe(cmd Cmd) (script.Recipe, error) {
	path := cmd.Script
	if !filepath.IsAbs(path) {
		path = filepath.Join(cmd.Dir, path)
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	} else {
		path = filepath.Clean(path)
	}

	b.mu.Lock()
	s, ok := b.scripts[path]
	if !ok {
		var err error
		s, err = script.Parse(path)
		if err != nil {
			b.mu.Unlock()
			return script.Recipe{}, err
		}
		b.scripts[path] = s
	}
	b.mu.Unlock()

	return s.Match(cmd.Target), nil
}
