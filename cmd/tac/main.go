// Command tac builds and runs the daily prediction pipeline.
//
//	tac run <kind> name=value...     run a task and everything it needs
//	tac plan [-memory] <kind> name=value...
//	tac serve                        expose the trigger API over HTTP
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/service/runs"
)

const usage = `usage:
  tac run <kind> [name=value ...]
  tac plan [-memory] [-json] <kind> [name=value ...]
  tac serve`

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage)
		return 2
	}

	cfg, err := appConfigFromEnv()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger := newLogger(stderr, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cmdErr error
	switch args[0] {
	case "run":
		cmdErr = runCommand(ctx, cfg, logger, args[1:], stdout)
	case "plan":
		cmdErr = planCommand(ctx, cfg, logger, args[1:], stdout)
	case "serve":
		cmdErr = serveCommand(ctx, cfg, logger)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s\n", args[0], usage)
		return 2
	}
	if cmdErr == nil {
		return 0
	}
	logger.Error(args[0]+" failed", "error", cmdErr)
	if errors.Is(cmdErr, domain.ErrConfiguration) || errors.Is(cmdErr, errUsage) || runs.IsClientError(cmdErr) {
		return 2
	}
	return 1
}

var errUsage = errors.New("usage error")

// parseRequest reads "<kind> name=value..." into a request.
func parseRequest(args []string) (runs.Request, error) {
	if len(args) == 0 {
		return runs.Request{}, fmt.Errorf("%w: task kind is required", errUsage)
	}
	req := runs.Request{Kind: args[0], Params: map[string]string{}}
	for _, arg := range args[1:] {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return runs.Request{}, fmt.Errorf("%w: parameter %q must be name=value", errUsage, arg)
		}
		if _, dup := req.Params[name]; dup {
			return runs.Request{}, fmt.Errorf("%w: parameter %q given twice", errUsage, name)
		}
		req.Params[name] = value
	}
	return req, nil
}

func runCommand(ctx context.Context, cfg appConfig, logger *slog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	req, err := parseRequest(fs.Args())
	if err != nil {
		return err
	}

	app, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer app.Close()

	run, res, err := app.runs.Execute(ctx, req)
	if run.ID != "" {
		fmt.Fprintf(stdout, "run %s %s: submitted=%d skipped=%d duration=%s\n",
			run.ID, run.Status, len(res.Submitted), res.Skipped, res.Duration.Round(time.Millisecond))
	}
	return err
}

func planCommand(ctx context.Context, cfg appConfig, logger *slog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	memory := fs.Bool("memory", false, "resolve against an empty in-memory store instead of S3")
	asJSON := fs.Bool("json", false, "print the plan as JSON")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	req, err := parseRequest(fs.Args())
	if err != nil {
		return err
	}

	app, err := newApp(ctx, cfg, logger, appOptions{memoryStore: *memory, noRunner: true})
	if err != nil {
		return err
	}
	defer app.Close()

	plan, err := app.runs.Plan(ctx, req)
	if err != nil {
		return err
	}
	if *asJSON {
		return writePlanJSON(stdout, plan)
	}
	return writePlan(stdout, plan)
}

func writePlan(w io.Writer, plan runs.Plan) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATE\tOUTPUT")
	for _, task := range plan.Tasks {
		state := "pending"
		switch {
		case task.Complete:
			state = "complete"
		case len(task.Command) > 0:
			state = "submit"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", task.Key, state, task.Output)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d job(s) to submit for %s\n", plan.Jobs, plan.Root)
	return err
}

func writePlanJSON(w io.Writer, plan runs.Plan) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}
