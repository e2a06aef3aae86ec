// Command gm is a recursive build tool: executable build scripts point
// their `#!` line at gm, which selects a recipe for each requested target,
// decides whether the recorded artifact is still up to date, and runs the
// recipe when it is not.
//
// The kernel invokes gm as `gm <interpreter> <script> [<target>…]`; the
// interpreter argument is ignored because the script's own first line
// names the real one.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/text"
	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/gmbuild/gm"
	"github.com/gmbuild/gm/internal/builder"
	"github.com/gmbuild/gm/internal/gmenv"
)

func setupLogging() {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetHandler(cli.New(os.Stderr))
	} else {
		log.SetHandler(text.New(os.Stderr))
	}
	level, err := log.ParseLevel(strings.ToLower(os.Getenv(gmenv.LogLevel)))
	if err != nil {
		level = log.WarnLevel
	}
	log.SetLevel(level)
}

func funcmain() error {
	setupLogging()
	log.Infof("gm version %s", gm.Version)

	args := os.Args[1:]

	// Maintenance verbs, reachable when gm is run by hand rather than
	// through a script's shebang line.
	if len(args) > 0 {
		switch args[0] {
		case "version":
			fmt.Println(gm.Version)
			return nil
		case "scaffold":
			return scaffold(args[1:])
		}
	}

	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "syntax: gm <interpreter> <script> [<target>…]\n")
		fmt.Fprintf(os.Stderr, "        gm scaffold [-f] [<script>]\n")
		fmt.Fprintf(os.Stderr, "        gm version\n")
		os.Exit(2)
	}

	// args[0] is the interpreter path supplied by the kernel; the script's
	// own shebang line is authoritative, so it is ignored here.
	scriptPath := args[1]
	targets := args[2:]
	if len(targets) == 0 {
		targets = []string{"default"}
	}
	depPath := os.Getenv(gmenv.Dep)
	log.Debugf("PID %d:%d for %v", os.Getpid(), os.Getppid(), targets)

	ctx, canc := gm.InterruptibleContext()
	defer canc()

	b, err := builder.New()
	if err != nil {
		return err
	}
	dir, err := os.Getwd()
	if err != nil {
		return xerrors.Errorf("getwd: %w", err)
	}

	return builder.Drive(ctx, b, dir, scriptPath, targets, gmenv.MaxThreads(), depPath)
}

func main() {
	if err := funcmain(); err != nil {
		log.Errorf("%v", err)
		var be *gm.BuildError
		if xerrors.As(err, &be) && be.ReturnCode != 0 {
			os.Exit(be.ReturnCode)
		}
		os.Exit(1)
	}
}
