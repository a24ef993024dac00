// Command votesync runs one backfill or incremental vote sync from the shell
// and prints the run summary as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"votesync/api/internal/app"
	"votesync/api/internal/config"
	"votesync/api/internal/jobs"
)

const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

type jobService interface {
	RunBackfill(ctx context.Context, params jobs.BackfillParams) (jobs.BackfillSummary, error)
	RunDaily(ctx context.Context, params jobs.DailyParams) (jobs.DailySummary, error)
}

type command struct {
	name     string
	backfill jobs.BackfillParams
	daily    jobs.DailyParams
}

// buildFunc opens the backing services for a parsed command.
type buildFunc func(ctx context.Context) (jobService, func() error, error)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], buildRuntime, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func buildRuntime(ctx context.Context) (jobService, func() error, error) {
	rt, err := app.Build(ctx, config.Load())
	if err != nil {
		return nil, nil, err
	}
	return rt.Service, rt.Close, nil
}

// execute connects to the database only once the arguments are known to be
// valid.
func execute(ctx context.Context, args []string, build buildFunc, stdout, stderr io.Writer) int {
	cmd, ok := parseCommand(args, stderr)
	if !ok {
		return exitFatal
	}
	svc, closeFn, err := build(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "votesync: %v\n", err)
		return exitFatal
	}
	defer func() { _ = closeFn() }()
	return run(ctx, cmd, svc, stdout, stderr)
}

// parseCommand validates the subcommand and its flags without touching any
// backing service.
func parseCommand(args []string, stderr io.Writer) (command, bool) {
	if len(args) == 0 {
		usage(stderr)
		return command{}, false
	}

	switch args[0] {
	case "backfill":
		fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
		fs.SetOutput(stderr)
		fs.Usage = func() { usage(stderr) }
		force := fs.Bool("force", false, "resync bills that already have vote events")
		limit := fs.Int("limit", 0, "maximum bills to visit (0 for all)")
		offset := fs.Int("offset", 0, "bills to skip in id order")
		pageSize := fs.Int("page-size", 0, "bills per catalog page (capped at 25)")
		if err := fs.Parse(args[1:]); err != nil {
			return command{}, false
		}
		return command{name: "backfill", backfill: jobs.BackfillParams{
			Force:    *force,
			Limit:    *limit,
			Offset:   *offset,
			PageSize: *pageSize,
		}}, true

	case "daily":
		fs := flag.NewFlagSet("daily", flag.ContinueOnError)
		fs.SetOutput(stderr)
		fs.Usage = func() { usage(stderr) }
		since := fs.String("since", "", "RFC 3339 timestamp overriding the stored watermark")
		if err := fs.Parse(args[1:]); err != nil {
			return command{}, false
		}
		return command{name: "daily", daily: jobs.DailyParams{Since: *since}}, true
	}

	usage(stderr)
	return command{}, false
}

func run(ctx context.Context, cmd command, svc jobService, stdout, stderr io.Writer) int {
	switch cmd.name {
	case "backfill":
		summary, err := svc.RunBackfill(ctx, cmd.backfill)
		return report(stdout, stderr, cmd.name, summary, summary.Partial(), err)
	case "daily":
		summary, err := svc.RunDaily(ctx, cmd.daily)
		return report(stdout, stderr, cmd.name, summary, summary.Partial(), err)
	}
	usage(stderr)
	return exitFatal
}

func report(stdout, stderr io.Writer, command string, summary any, partial bool, err error) int {
	if err != nil {
		fmt.Fprintf(stderr, "votesync %s: %v\n", command, err)
		return exitFatal
	}
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summary); err != nil {
		fmt.Fprintf(stderr, "votesync %s: encode summary: %v\n", command, err)
		return exitFatal
	}
	if partial {
		return exitPartial
	}
	return exitOK
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: votesync backfill [-force] [-limit N] [-offset N] [-page-size N]")
	fmt.Fprintln(w, "       votesync daily [-since RFC3339]")
}
