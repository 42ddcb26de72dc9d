package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/signalline/qscore/pkg/rulestore"
	"github.com/signalline/qscore/pkg/tools"
)

// runValidate loads a rule directory through full validation and reports
// what it found. Exit 1 means at least one document was rejected.
func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	rulesDir := fs.String("rules", "", "rule directory (default: embedded seeds)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	reg, err := tools.NewRegistry()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "registry:", err)
		return 1
	}

	store := rulestore.New()
	if *rulesDir != "" {
		err = store.LoadDir(*rulesDir, reg.InputFields())
	} else {
		err = store.LoadFS(tools.Seeds(), reg.InputFields())
	}
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "validation failed:", err)
		return 1
	}

	for _, tool := range reg.Names() {
		versions := store.ListVersions(tool)
		prod, _, err := store.GetProductionRule(tool)
		if err != nil {
			prod = "(none)"
		}
		_, _ = fmt.Fprintf(stdout, "%-22s versions=%v production=%s\n", tool, versions, prod)
	}
	_, _ = fmt.Fprintln(stdout, "ok")
	return 0
}
