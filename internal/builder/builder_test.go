package builder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gmbuild/gm"
	"github.com/gmbuild/gm/internal/fingerprint"
	"github.com/gmbuild/gm/internal/gmenv"
	"github.com/gmbuild/gm/internal/info"
	"github.com/gmbuild/gm/internal/script"
	"golang.org/x/xerrors"
)

const testScript = `#! /usr/local/bin/gm

#? tgt/*
	echo run >> counter
	echo hi > "$1"

#! !clean
	echo cleaned >> counter

#? fail
	exit 3
`

func writeScript(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "make"), []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
}

func testBuilder(t *testing.T, start time.Time, remake bool) *Builder {
	t.Helper()
	return &Builder{
		Start:    gmenv.FormatTime(start),
		start:    start,
		remake:   remake,
		lockWait: 1,
		scripts:  make(map[string]*script.Script),
	}
}

func countRuns(t *testing.T, dir string) int {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, "counter"))
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Count(string(b), "\n")
}

func TestFreshBuild(t *testing.T) {
	tmp := t.TempDir()
	writeScript(t, tmp, testScript)
	b := testBuilder(t, time.Now(), false)

	ev, err := b.Build(context.Background(), Cmd{Dir: tmp, Script: "./make", Target: "tgt/out"})
	if err != nil {
		t.Fatal(err)
	}
	if want := fingerprint.String("hi\n"); ev.Checksum != want {
		t.Errorf("checksum = %s, want %s", ev.Checksum, want)
	}
	if ev.Timestamp != b.Start {
		t.Errorf("timestamp = %s, want %s", ev.Timestamp, b.Start)
	}

	content, err := os.ReadFile(filepath.Join(tmp, "tgt", "out"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "hi\n" {
		t.Errorf("artifact = %q, want %q", content, "hi\n")
	}

	ledger, err := os.ReadFile(filepath.Join(tmp, "tgt", ".out.gm"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(ledger), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("info file has %d lines, want header + terminal event", len(lines))
	}
	terminal, err := info.ParseEvent(lines[1])
	if err != nil {
		t.Fatal(err)
	}
	if terminal.Checksum != ev.Checksum || terminal.Target != "tgt/out" {
		t.Errorf("terminal event = %+v", terminal)
	}
	if countRuns(t, tmp) != 1 {
		t.Errorf("recipe ran %d times, want 1", countRuns(t, tmp))
	}
}

func TestIdempotence(t *testing.T) {
	tmp := t.TempDir()
	writeScript(t, tmp, testScript)
	ctx := context.Background()
	cmd := Cmd{Dir: tmp, Script: "./make", Target: "tgt/out"}

	b := testBuilder(t, time.Now(), false)
	first, err := b.Build(ctx, cmd)
	if err != nil {
		t.Fatal(err)
	}

	// Same invocation: the freshly stamped info file satisfies the
	// "checked this build" clause.
	again, err := b.Build(ctx, cmd)
	if err != nil {
		t.Fatal(err)
	}
	if again.Checksum != first.Checksum {
		t.Errorf("checksum changed: %s then %s", first.Checksum, again.Checksum)
	}
	if countRuns(t, tmp) != 1 {
		t.Fatalf("recipe ran %d times, want 1", countRuns(t, tmp))
	}

	// A later invocation with nothing changed rechecks and skips.
	time.Sleep(2 * stampAccuracy)
	later, err := testBuilder(t, time.Now(), false).Build(ctx, cmd)
	if err != nil {
		t.Fatal(err)
	}
	if later.Checksum != first.Checksum {
		t.Errorf("checksum changed: %s then %s", first.Checksum, later.Checksum)
	}
	if countRuns(t, tmp) != 1 {
		t.Fatalf("recipe ran %d times, want 1", countRuns(t, tmp))
	}
}

func TestRecipeChangeInvalidates(t *testing.T) {
	tmp := t.TempDir()
	writeScript(t, tmp, testScript)
	ctx := context.Background()
	cmd := Cmd{Dir: tmp, Script: "./make", Target: "tgt/out"}

	if _, err := testBuilder(t, time.Now(), false).Build(ctx, cmd); err != nil {
		t.Fatal(err)
	}

	time.Sleep(2 * stampAccuracy)
	writeScript(t, tmp, strings.Replace(testScript, "echo hi", "echo ho", 1))
	if _, err := testBuilder(t, time.Now(), false).Build(ctx, cmd); err != nil {
		t.Fatal(err)
	}
	if countRuns(t, tmp) != 2 {
		t.Fatalf("recipe ran %d times, want 2", countRuns(t, tmp))
	}
	content, err := os.ReadFile(filepath.Join(tmp, "tgt", "out"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "ho\n" {
		t.Errorf("artifact = %q, want %q", content, "ho\n")
	}
}

func TestExternalModificationInvalidates(t *testing.T) {
	tmp := t.TempDir()
	writeScript(t, tmp, testScript)
	ctx := context.Background()
	cmd := Cmd{Dir: tmp, Script: "./make", Target: "tgt/out"}

	if _, err := testBuilder(t, time.Now(), false).Build(ctx, cmd); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(tmp, "tgt", "out"), []byte("bye\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * stampAccuracy)

	ev, err := testBuilder(t, time.Now(), false).Build(ctx, cmd)
	if err != nil {
		t.Fatal(err)
	}
	if countRuns(t, tmp) != 2 {
		t.Fatalf("recipe ran %d times, want 2", countRuns(t, tmp))
	}
	// The recipe overwrites the artifact, so the hash is back to normal.
	if want := fingerprint.String("hi\n"); ev.Checksum != want {
		t.Errorf("checksum = %s, want %s", ev.Checksum, want)
	}
}

func TestAlwaysRecipeReruns(t *testing.T) {
	tmp := t.TempDir()
	writeScript(t, tmp, testScript)
	ctx := context.Background()
	cmd := Cmd{Dir: tmp, Script: "./make", Target: "clean"}

	ev, err := testBuilder(t, time.Now(), false).Build(ctx, cmd)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Checksum != fingerprint.Ignore {
		t.Errorf("checksum = %s, want %s", ev.Checksum, fingerprint.Ignore)
	}

	time.Sleep(2 * stampAccuracy)
	if _, err := testBuilder(t, time.Now(), false).Build(ctx, cmd); err != nil {
		t.Fatal(err)
	}
	if countRuns(t, tmp) != 2 {
		t.Fatalf("recipe ran %d times, want 2", countRuns(t, tmp))
	}
}

func TestVirtualTargetInfoFile(t *testing.T) {
	tmp := t.TempDir()
	writeScript(t, tmp, testScript)

	if _, err := testBuilder(t, time.Now(), false).Build(context.Background(), Cmd{Dir: tmp, Script: "./make", Target: "clean"}); err != nil {
		t.Fatal(err)
	}

	scriptPath := filepath.Join(tmp, "make")
	want := filepath.Join(tmp, ".clean_"+fingerprint.String(scriptPath)+".gm")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("virtual info file: %v", err)
	}
}

func TestRemakeForcesRebuild(t *testing.T) {
	tmp := t.TempDir()
	writeScript(t, tmp, testScript)
	ctx := context.Background()
	cmd := Cmd{Dir: tmp, Script: "./make", Target: "tgt/out"}

	first, err := testBuilder(t, time.Now(), false).Build(ctx, cmd)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(2 * stampAccuracy)
	forced, err := testBuilder(t, time.Now(), true).Build(ctx, cmd)
	if err != nil {
		t.Fatal(err)
	}
	if countRuns(t, tmp) != 2 {
		t.Fatalf("recipe ran %d times, want 2", countRuns(t, tmp))
	}
	if forced.Checksum != first.Checksum {
		t.Errorf("checksum changed: %s then %s", first.Checksum, forced.Checksum)
	}
}

func TestMissingRecipeIsFatal(t *testing.T) {
	tmp := t.TempDir()
	writeScript(t, tmp, testScript)

	_, err := testBuilder(t, time.Now(), false).Build(context.Background(), Cmd{Dir: tmp, Script: "./make", Target: "unmatched"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "No recipe for unmatched") {
		t.Errorf("err = %v", err)
	}
	// Failure atomicity: neither info file nor lock left behind.
	if _, statErr := os.Stat(filepath.Join(tmp, ".unmatched.gm")); !os.IsNotExist(statErr) {
		t.Errorf("info file left behind: %v", statErr)
	}
	if _, statErr := os.Stat(filepath.Join(tmp, ".unmatched.gm.lock")); !os.IsNotExist(statErr) {
		t.Errorf("lock left behind: %v", statErr)
	}
}

func TestSourceFileDependency(t *testing.T) {
	tmp := t.TempDir()
	writeScript(t, tmp, testScript)
	if err := os.WriteFile(filepath.Join(tmp, "src.txt"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev, err := testBuilder(t, time.Now(), false).Build(context.Background(), Cmd{Dir: tmp, Script: "./make", Target: "src.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if want := fingerprint.String("abc"); ev.Checksum != want {
		t.Errorf("checksum = %s, want %s", ev.Checksum, want)
	}
	if ev.Stanza != fingerprint.Missing {
		t.Errorf("stanza = %s, want %s", ev.Stanza, fingerprint.Missing)
	}
	if ev.Timestamp != "" {
		t.Errorf("timestamp = %q, want empty", ev.Timestamp)
	}
	// Source files get no ledger of their own.
	if _, statErr := os.Stat(filepath.Join(tmp, ".src.txt.gm")); !os.IsNotExist(statErr) {
		t.Errorf("info file created for source file: %v", statErr)
	}
}

func TestFailingRecipeExitCode(t *testing.T) {
	tmp := t.TempDir()
	writeScript(t, tmp, testScript)

	_, err := testBuilder(t, time.Now(), false).Build(context.Background(), Cmd{Dir: tmp, Script: "./make", Target: "fail"})
	if err == nil {
		t.Fatal("expected error")
	}
	var be *gm.BuildError
	if !xerrors.As(err, &be) {
		t.Fatalf("err = %v, want BuildError", err)
	}
	if be.ReturnCode != 3 {
		t.Errorf("return code = %d, want 3", be.ReturnCode)
	}
	if _, statErr := os.Stat(filepath.Join(tmp, ".fail.gm")); !os.IsNotExist(statErr) {
		t.Errorf("info file survived failed recipe: %v", statErr)
	}
	if _, statErr := os.Stat(filepath.Join(tmp, ".fail.gm.lock")); !os.IsNotExist(statErr) {
		t.Errorf("lock survived failed recipe: %v", statErr)
	}
}

// injectDep rewrites the target's info file so that dep appears as a
// recorded dependency, the way a child invocation would have reported it.
func injectDep(t *testing.T, infoPath string, dep info.Event) {
	t.Helper()
	b, err := os.ReadFile(infoPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	out := append([]string{}, lines[:len(lines)-1]...)
	out = append(out, dep.Line(), lines[len(lines)-1])
	if err := os.WriteFile(infoPath, []byte(strings.Join(out, "\n")+"\n"), 0o666); err != nil {
		t.Fatal(err)
	}
}

func TestDependencyChangeInvalidates(t *testing.T) {
	tmp := t.TempDir()
	writeScript(t, tmp, testScript)
	ctx := context.Background()
	cmd := Cmd{Dir: tmp, Script: "./make", Target: "tgt/out"}

	src := filepath.Join(tmp, "src.txt")
	if err := os.WriteFile(src, []byte("v1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := testBuilder(t, time.Now(), false)
	if _, err := b.Build(ctx, cmd); err != nil {
		t.Fatal(err)
	}
	dep, err := b.Build(ctx, Cmd{Dir: tmp, Script: "./make", Target: "src.txt"})
	if err != nil {
		t.Fatal(err)
	}
	infoPath := filepath.Join(tmp, "tgt", ".out.gm")
	injectDep(t, infoPath, dep)

	// Unchanged dependency: the recheck rebuilds nothing.
	time.Sleep(2 * stampAccuracy)
	if _, err := testBuilder(t, time.Now(), false).Build(ctx, cmd); err != nil {
		t.Fatal(err)
	}
	if countRuns(t, tmp) != 1 {
		t.Fatalf("recipe ran %d times, want 1", countRuns(t, tmp))
	}

	// Changed dependency content forces the dependent to rebuild.
	if err := os.WriteFile(src, []byte("v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * stampAccuracy)
	if _, err := testBuilder(t, time.Now(), false).Build(ctx, cmd); err != nil {
		t.Fatal(err)
	}
	if countRuns(t, tmp) != 2 {
		t.Fatalf("recipe ran %d times, want 2", countRuns(t, tmp))
	}
}

func TestVirtualDependencyTimestampInvalidates(t *testing.T) {
	tmp := t.TempDir()
	writeScript(t, tmp, testScript)
	ctx := context.Background()
	cmd := Cmd{Dir: tmp, Script: "./make", Target: "tgt/out"}

	b := testBuilder(t, time.Now(), false)
	if _, err := b.Build(ctx, cmd); err != nil {
		t.Fatal(err)
	}
	clean, err := b.Build(ctx, Cmd{Dir: tmp, Script: "./make", Target: "clean"})
	if err != nil {
		t.Fatal(err)
	}
	if clean.Checksum != fingerprint.Ignore {
		t.Fatalf("checksum = %s, want %s", clean.Checksum, fingerprint.Ignore)
	}
	injectDep(t, filepath.Join(tmp, "tgt", ".out.gm"), clean)

	// The always-recipe dependency reruns with a new timestamp; ignore
	// results carry no content hash, so the timestamp drives the
	// comparison and the dependent rebuilds.
	time.Sleep(2 * stampAccuracy)
	if _, err := testBuilder(t, time.Now(), false).Build(ctx, cmd); err != nil {
		t.Fatal(err)
	}
	runs := countRuns(t, tmp)
	if runs != 4 { // initial tgt/out + initial clean + rerun clean + rerun tgt/out
		t.Fatalf("recipes ran %d times, want 4", runs)
	}
}

func TestDriveAppendsToParent(t *testing.T) {
	tmp := t.TempDir()
	writeScript(t, tmp, testScript)
	parent := filepath.Join(tmp, ".parent.gm")

	b := testBuilder(t, time.Now(), false)
	err := Drive(context.Background(), b, tmp, "./make", []string{"tgt/a", "tgt/b"}, 4, parent)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(parent)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("parent file has %d lines, want 2", len(lines))
	}
	got := map[string]bool{}
	for _, line := range lines {
		ev, err := info.ParseEvent(line)
		if err != nil {
			t.Fatal(err)
		}
		if want := fingerprint.String("hi\n"); ev.Checksum != want {
			t.Errorf("checksum = %s, want %s", ev.Checksum, want)
		}
		got[ev.Target] = true
	}
	if !got["tgt/a"] || !got["tgt/b"] {
		t.Errorf("reported targets = %v", got)
	}
}

func TestDriveSequentialStopsAtFirstError(t *testing.T) {
	tmp := t.TempDir()
	writeScript(t, tmp, testScript)

	b := testBuilder(t, time.Now(), false)
	err := Drive(context.Background(), b, tmp, "./make", []string{"fail", "tgt/a"}, 1, "")
	if err == nil {
		t.Fatal("expected error")
	}
	var be *gm.BuildError
	if !xerrors.As(err, &be) || be.ReturnCode != 3 {
		t.Errorf("err = %v, want BuildError with code 3", err)
	}
	// The failing target aborted the run before tgt/a was attempted.
	if _, statErr := os.Stat(filepath.Join(tmp, "tgt", "a")); !os.IsNotExist(statErr) {
		t.Errorf("tgt/a built after failure: %v", statErr)
	}
}
