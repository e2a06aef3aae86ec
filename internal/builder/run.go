package builder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"golang.org/x/xerrors"

	"github.com/gmbuild/gm"
	"github.com/gmbuild/gm/internal/script"
)

// run executes the composed recipe: the interpreter is spawned in the
// command's directory with the stanza on standard input and the target and
// script path as positional arguments. The context cancels the child when a
// sibling worker fails or the build is interrupted.
func (b *Builder) run(ctx context.Context, recipe script.Recipe, cmd Cmd, extra map[string]string) error {
	if recipe.Stanza == nil {
		return gm.BuildErrorf("No recipe for %s", cmd.Target)
	}

	scriptPath := displayScriptPath(cmd)
	description := fmt.Sprintf("%s %s (with %s)", scriptPath, cmd.Target, strings.Join(recipe.Interpreter, " "))
	log.Debugf("Running %s", description)

	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}

	child := exec.CommandContext(ctx, recipe.Interpreter[0])
	// argv[0] is displayed as the program name; recipes read the target
	// from argv[1] and the script path from argv[2] by convention.
	args := append([]string{scriptPath}, recipe.Interpreter[1:]...)
	child.Args = append(args, cmd.Target, scriptPath)
	child.Dir = cmd.Dir
	child.Env = env
	child.Stdin = strings.NewReader(*recipe.Stanza)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr

	if err := child.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var exit *exec.ExitError
		if xerrors.As(err, &exit) {
			code := exit.ExitCode()
			log.Debugf("Raising %s (%d)", description, code)
			return &gm.BuildError{
				Msg:        fmt.Sprintf("%s returned %d", description, code),
				ReturnCode: code,
			}
		}
		return xerrors.Errorf("%s: %w", description, err)
	}
	return nil
}

// displayScriptPath is the script path handed to the recipe in argv: the
// resolved path, shortened to a relative one when it does not point far
// outside the build directory, and `./`-prefixed when bare so it stays
// executable.
func displayScriptPath(cmd Cmd) string {
	path := cmd.Script
	if !filepath.IsAbs(path) {
		path = filepath.Join(cmd.Dir, path)
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	if rel, err := filepath.Rel(cmd.Dir, path); err == nil && !strings.HasPrefix(rel, "../../") {
		path = rel
	}
	if path == filepath.Base(path) {
		path = "./" + path
	}
	return path
}
