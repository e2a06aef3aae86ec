package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"text/template"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

const scaffoldHelp = `gm scaffold [-flags] [<script>]

Generate a starter build script (default ./make) whose shebang line points
at this gm binary. Mark it executable and run it to build the default
target.

Example:
  % gm scaffold
  % ./make
`

var scaffoldTmpl = template.Must(template.New("").Parse(`#! {{.Tool}} /bin/sh -se

# Stanza markers are <comment><?|!> followed by target patterns. Recipes
# read the target name from $1 and this script's path from $2; running
# "$2" <target> inside a recipe declares a dependency. A ! discriminator
# makes the recipe run on every build; a ! prefix on a pattern declares a
# virtual target with no artifact. GM_STARTTIME and GM_FILE are reserved
# for gm's own parent/child protocol.

#? default
	echo building "$1"
	date > "$1"

#! !clean
	rm -f default
`))

func scaffold(args []string) error {
	fset := flag.NewFlagSet("scaffold", flag.ExitOnError)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, scaffoldHelp)
		fset.PrintDefaults()
	}
	force := fset.Bool("f", false, "overwrite an existing script")
	fset.Parse(args)

	path := "make"
	if fset.NArg() > 0 {
		path = fset.Arg(0)
	}
	if !*force {
		if _, err := os.Stat(path); err == nil {
			return xerrors.Errorf("%s already exists (use -f to overwrite)", path)
		}
	}

	tool, err := os.Executable()
	if err != nil {
		tool = "/usr/local/bin/gm"
	}

	var buf bytes.Buffer
	if err := scaffoldTmpl.Execute(&buf, struct{ Tool string }{Tool: tool}); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o755); err != nil {
		return xerrors.Errorf("scaffold %s: %w", path, err)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
