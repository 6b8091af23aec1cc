package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/eleven-am/voice-recorder/internal/bootstrap"
	"github.com/eleven-am/voice-recorder/internal/queue"
	"github.com/eleven-am/voice-recorder/internal/shared"
)

const usage = `usage: queuectl <command> [args]

commands:
  usage                 show local storage usage
  sessions [status]     list stored sessions
  cleanup [threshold]   evict old data until storage is under threshold MB
  orphans               delete chunks whose session no longer exists`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	db, err := bootstrap.OpenDatabase(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open queue database: %v\n", err)
		os.Exit(1)
	}

	store := queue.NewStore(db, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := store.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to migrate: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	var out any

	switch os.Args[1] {
	case "usage":
		out, err = store.StorageUsage(ctx)
	case "sessions":
		var statuses []shared.SessionStatus
		if len(os.Args) > 2 {
			statuses = append(statuses, shared.NormalizeStatus(os.Args[2]))
		}
		out, err = store.Sessions(ctx, statuses...)
	case "cleanup":
		threshold := cfg.StorageThresholdMB
		if len(os.Args) > 2 {
			threshold, err = strconv.ParseFloat(os.Args[2], 64)
			if err != nil || threshold <= 0 {
				fmt.Fprintf(os.Stderr, "Invalid threshold %q\n", os.Args[2])
				os.Exit(2)
			}
		}
		out, err = store.PerformAutomaticCleanup(ctx, threshold)
	case "orphans":
		var n int
		n, err = store.CleanupOrphanedChunks(ctx)
		out = map[string]int{"deleted": n}
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
