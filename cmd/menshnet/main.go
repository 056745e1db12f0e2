// Command menshnet lists, runs and stops remote menshnet pipelines.
//
// Usage:
//
//	menshnet list
//	menshnet run <pipeline> [--pipeline-config file.yaml] [--watch] [--emit key ...]
//	menshnet ps
//	menshnet stop <resource-id>
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/lightforgemedia/go-menshnet/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// cli carries what every subcommand needs.
type cli struct {
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer

	pipelineConfig string
	watch          bool
	emitKeys       []string
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("menshnet", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file (default ./config.yaml or ~/.menshnet/config.yaml)")
	c := &cli{stdout: stdout}
	fs.StringVar(&c.pipelineConfig, "pipeline-config", "", "YAML or JSON file holding the pipeline start config (run)")
	fs.BoolVar(&c.watch, "watch", false, "restart the pipeline when --pipeline-config changes (run)")
	fs.StringSliceVar(&c.emitKeys, "emit", nil, "emit keys to print (run)")

	v := config.New()
	if err := config.BindFlags(v, fs); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(v, *configPath)
	if err != nil {
		fmt.Fprintln(stderr, "menshnet:", err)
		return 1
	}
	c.cfg = cfg
	c.logger = cfg.Log.NewLogger(stderr)

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, "usage: menshnet <list|run|ps|stop> [args] [flags]")
		return 2
	}

	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "list":
		err = c.list(ctx)
	case "run":
		if len(cmdArgs) != 1 {
			fmt.Fprintln(stderr, "usage: menshnet run <pipeline> [--pipeline-config file] [--watch] [--emit key]")
			return 2
		}
		err = c.runPipeline(ctx, cmdArgs[0])
	case "ps":
		err = c.ps()
	case "stop":
		if len(cmdArgs) != 1 {
			fmt.Fprintln(stderr, "usage: menshnet stop <resource-id>")
			return 2
		}
		err = c.stop(ctx, cmdArgs[0])
	default:
		fmt.Fprintf(stderr, "menshnet: unknown command %q\n", cmd)
		return 2
	}

	if err != nil {
		fmt.Fprintln(stderr, "menshnet:", err)
		return 1
	}
	return 0
}
