package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/search"
)

// runThreads handles "parley threads": list the configured store's
// threads, most recent first.
func runThreads(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(io.Discard, slog.LevelError, cfg.LogFormat)

	bridge, err := openBridge(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer bridge.Close()

	list, err := bridge.ListThreads(ctx)
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "No threads.")
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "THREAD\tMESSAGES\tSIZE\tUPDATED\tFIRST MESSAGE")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			t.ThreadID,
			t.MessageCount,
			humanize.Bytes(uint64(t.Bytes)),
			humanize.Time(t.UpdatedAt),
			t.Excerpt,
		)
	}
	return tw.Flush()
}

// runSearch handles "parley search <query>", the same lookup the
// web_search tool performs.
func runSearch(ctx context.Context, stdout io.Writer, configPath, outputFmt, query string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	mgr, err := buildSearch(cfg.Search)
	if err != nil {
		return err
	}

	results, err := mgr.Search(ctx, query, search.Options{Count: cfg.Search.MaxResults})
	if err != nil {
		return fmt.Errorf("search via %s: %w", mgr.Primary(), err)
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	fmt.Fprintln(stdout, search.FormatResults(results))
	return nil
}
