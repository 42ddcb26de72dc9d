package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/signalline/qscore/pkg/archive"
	"github.com/signalline/qscore/pkg/config"
	"github.com/signalline/qscore/pkg/tools"
)

// runExport archives one UTC day of decisions to the configured bucket.
func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tool := fs.String("tool", "", "tool to export (default: all)")
	dayFlag := fs.String("day", "", "UTC day YYYY-MM-DD (default: yesterday)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if cfg.ArchiveBucket == "" {
		_, _ = fmt.Fprintln(stderr, "ARCHIVE_BUCKET is not set")
		return 2
	}

	day := time.Now().UTC().AddDate(0, 0, -1)
	if *dayFlag != "" {
		parsed, err := time.Parse("2006-01-02", *dayFlag)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "bad -day:", err)
			return 2
		}
		day = parsed
	}

	ctx := context.Background()
	led, err := openLedger(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "ledger:", err)
		return 1
	}

	sink, err := archive.NewS3Sink(ctx, archive.S3SinkConfig{
		Bucket:   cfg.ArchiveBucket,
		Region:   cfg.ArchiveRegion,
		Endpoint: cfg.ArchiveEndpoint,
	})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "sink:", err)
		return 1
	}

	toolNames := []string{*tool}
	if *tool == "" {
		reg, err := tools.NewRegistry()
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "registry:", err)
			return 1
		}
		toolNames = reg.Names()
	}

	keys, err := archive.NewExporter(led, sink).ExportAll(ctx, toolNames, day)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "export:", err)
		return 1
	}
	for tool, key := range keys {
		_, _ = fmt.Fprintf(stdout, "%s -> %s\n", tool, key)
	}
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(stdout, "no decisions for", day.Format("2006-01-02"))
	}
	return 0
}
