package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	urfavecli "github.com/urfave/cli/v3"

	"github.com/superset-sh/termkeep/internal/cli"
	"github.com/superset-sh/termkeep/internal/identity"
	"github.com/superset-sh/termkeep/internal/logging"
)

var version = "dev"

func main() {
	mode := logging.ModeCLI
	if cli.IsDaemonInvocation(os.Args) {
		mode = logging.ModeDaemon
	}
	closeLogger, err := logging.Init(logging.Options{
		App:     identity.AppSlug,
		Version: version,
		Mode:    mode,
	})
	if err != nil {
		if mode == logging.ModeDaemon {
			fmt.Fprintf(os.Stderr, "%s: init logging: %v\n", identity.CLIName, err)
			os.Exit(1)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
		slog.Error("init logging failed; using stderr fallback", "err", err)
	} else if closeLogger != nil {
		defer func() { _ = closeLogger() }()
	}

	if err := cli.New(version).Run(context.Background(), os.Args); err != nil {
		if exitErr, ok := err.(urfavecli.ExitCoder); ok {
			if msg := exitErr.Error(); msg != "" {
				fmt.Fprintf(os.Stderr, "%s: %v\n", identity.CLIName, err)
			}
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", identity.CLIName, err)
		os.Exit(1)
	}
}
