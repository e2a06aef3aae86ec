package info

import (
	"bufio"
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"
	"golang.org/x/xerrors"

	"github.com/gmbuild/gm"
	"github.com/gmbuild/gm/internal/fingerprint"
	"github.com/gmbuild/gm/internal/oninterrupt"
)

// Number of lock retries during the wait budget.
const lockTries = 10

// Info is the open, locked ledger of one target. Between Open and Close the
// calling process is the sole writer; recipe children append dependency
// lines through the path exported as GM_FILE.
type Info struct {
	Current *Event

	// Filename is the absolute info-file path, `<dir>/.<base>.gm`. Virtual
	// targets add a script-path hash so two scripts sharing a virtual
	// target name do not collide.
	Filename string

	Timestamp time.Time // info-file mtime at Open: the last successful check
	Last      *Event    // terminal event of the previous build, if any
	Deps      []Event   // recorded dependencies, in completion order

	lockname string
	cleanup  *oninterrupt.Handle
}

// Open acquires the target's lock and parses the prior ledger state.
// lockWait is the rough total wait budget in seconds. On success the caller
// must Close.
func Open(ctx context.Context, current *Event, virtual bool, lockWait int) (*Info, error) {
	target := current.TargetPath()
	basename := "." + filepath.Base(target)
	if virtual {
		basename += "_" + fingerprint.String(current.ScriptPath())
	}
	basename += ".gm"

	i := &Info{
		Current:  current,
		Filename: filepath.Join(filepath.Dir(target), basename),
	}
	i.lockname = i.Filename + ".lock"

	if err := i.lock(ctx, lockWait); err != nil {
		return nil, err
	}
	if err := i.parse(); err != nil {
		i.Close(err)
		return nil, err
	}
	return i, nil
}

// lock creates the lock file with create-exclusive semantics, retrying with
// a backoff that starts short and roughly doubles until the wait budget is
// spent. A lock owned by a build with a different timestamp is fatal.
func (i *Info) lock(ctx context.Context, lockWait int) error {
	if dir := filepath.Dir(i.lockname); dir != "" {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return xerrors.Errorf("lock %s: %w", i.lockname, err)
		}
	}

	retry := lockTries
	for {
		f, err := os.OpenFile(i.lockname, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
		if err == nil {
			log.Debugf("Locking %s", i.lockname)
			_, werr := f.WriteString(i.Current.Timestamp + "\n")
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(i.lockname)
				return xerrors.Errorf("lock %s: %w", i.lockname, werr)
			}
			i.cleanup = oninterrupt.Register(func() { os.Remove(i.lockname) })
			return nil
		}
		if !os.IsExist(err) {
			return xerrors.Errorf("lock %s: %w", i.lockname, err)
		}
		if retry <= 0 {
			return gm.BuildErrorf("%s is locked.  Possible circular dependency.", i.lockname)
		}
		retry--

		amount := time.Duration(float64(lockWait) / (math.Pow(2, float64(retry)) + rand.Float64()) * float64(time.Second))
		if amount > 2*time.Second {
			log.Warnf("%s is locked.  Sleep for %v", i.lockname, amount)
		} else {
			log.Debugf("%s is locked.  Sleep for %v", i.lockname, amount)
		}
		select {
		case <-time.After(amount):
		case <-ctx.Done():
			return ctx.Err()
		}

		owner, err := os.ReadFile(i.lockname)
		if err == nil {
			lockDate := strings.TrimSpace(strings.SplitN(string(owner), "\n", 2)[0])
			if lockDate != "" && lockDate != i.Current.Timestamp {
				log.Debugf("current timestamp: %s", i.Current.Timestamp)
				return gm.BuildErrorf("%s is locked by %s.  Try deleting it.", i.lockname, lockDate)
			}
		}
		// A read error means the lock has been removed; retry the create.
	}
}

// parse loads the prior ledger: header, dependency events, terminal event.
// An info file written by a different script must not be reused.
func (i *Info) parse() error {
	f, err := os.Open(i.Filename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return xerrors.Errorf("parse %s: %w", i.Filename, err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for n := 0; sc.Scan(); n++ {
		if n == 0 {
			continue // header
		}
		e, err := ParseEvent(sc.Text())
		if err != nil {
			return err
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return xerrors.Errorf("parse %s: %w", i.Filename, err)
	}
	if len(events) > 0 {
		i.Last = &events[len(events)-1]
		i.Deps = events[:len(events)-1]
	}

	fi, err := os.Stat(i.Filename)
	if err != nil {
		return xerrors.Errorf("parse %s: %w", i.Filename, err)
	}
	i.Timestamp = fi.ModTime()
	log.Debugf("Read %s: %s", i.Filename, i.Timestamp)

	if i.Last != nil && i.Last.ScriptPath() != i.Current.ScriptPath() {
		return gm.BuildErrorf("%s is trying to re-use %s created by %s.  Deleting.",
			i.Current.ScriptPath(), i.Filename, i.Last.ScriptPath())
	}
	return nil
}

// Begin creates (or truncates) the info file and writes the header line.
// Dependency events appended by children land after it.
func (i *Info) Begin() error {
	f, err := os.Create(i.Filename)
	if err != nil {
		return xerrors.Errorf("create %s: %w", i.Filename, err)
	}
	_, werr := f.WriteString(strings.Join(header, "\t") + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return xerrors.Errorf("create %s: %w", i.Filename, werr)
	}
	log.Debugf("Created %s", i.Filename)
	return nil
}

// Commit appends the terminal event for the target itself.
func (i *Info) Commit() error {
	log.Debugf("Writing %s to %s", i.Current.Target, i.Filename)
	return Append(i.Filename, *i.Current)
}

// Checked bumps the info-file mtime, recording a clean cache-hit decision
// so sibling rechecks within the same build skip immediately.
func (i *Info) Checked() error {
	now := time.Now()
	return os.Chtimes(i.Filename, now, now)
}

// Close releases the lock. A nil buildErr finalizes the ledger by bumping
// its mtime; any error removes the info file so it is never left
// half-written.
func (i *Info) Close(buildErr error) error {
	var closeErr error
	if _, err := os.Stat(i.Filename); err == nil {
		if buildErr != nil {
			closeErr = os.Remove(i.Filename)
		} else {
			now := time.Now()
			closeErr = os.Chtimes(i.Filename, now, now)
		}
	}
	log.Debugf("Unlocking %s", i.lockname)
	if i.cleanup != nil {
		i.cleanup.Unregister()
		i.cleanup = nil
	}
	if err := os.Remove(i.lockname); err != nil && closeErr == nil {
		closeErr = err
	}
	return closeErr
}

// Append adds one event line to the ledger at path. Children report their
// results to the parent's ledger this way, through GM_FILE.
func Append(path string, e Event) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return xerrors.Errorf("append %s: %w", path, err)
	}
	_, werr := f.WriteString(e.Line() + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return xerrors.Errorf("append %s: %w", path, werr)
	}
	return nil
}
