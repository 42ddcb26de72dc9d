// Command qscore runs the decision engine: an HTTP server by default, plus
// operational subcommands for rule validation and ledger archiving.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; it exists so tests can drive the CLI.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(args[1:], stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, "qscore "+engineVersion)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\nusage: qscore [serve|validate|export|version]\n", args[1])
		return 2
	}
}

const engineVersion = "1.0.0"
