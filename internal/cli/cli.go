// Package cli builds the termkeep command tree.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/superset-sh/termkeep/internal/appdirs"
	"github.com/superset-sh/termkeep/internal/config"
	"github.com/superset-sh/termkeep/internal/history"
	"github.com/superset-sh/termkeep/internal/identity"
	"github.com/superset-sh/termkeep/internal/session"
	"github.com/superset-sh/termkeep/internal/sessiond"
	"github.com/superset-sh/termkeep/internal/tmuxctl"
)

const clientTimeout = 15 * time.Second

// New builds the root command.
func New(version string) *cli.Command {
	return &cli.Command{
		Name:    identity.CLIName,
		Usage:   "terminal session persistence daemon",
		Version: version,
		Commands: []*cli.Command{
			daemonCommand(version),
			statusCommand(version),
			listCommand(version),
			killCommand(version),
			killWorkspaceCommand(version),
			killAllCommand(version),
			clearCommand(version),
			stopCommand(),
		},
	}
}

func daemonCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "daemon",
		Usage: "run the session daemon in the foreground",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runDaemon(ctx, version)
		},
	}
}

func runDaemon(ctx context.Context, version string) error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	histDir, err := appdirs.HistoryDir()
	if err != nil {
		return err
	}
	store, err := history.NewStore(histDir)
	if err != nil {
		return err
	}
	wrapperDir, err := appdirs.WrapperDir()
	if err != nil {
		return err
	}
	backendSocket, err := sessiond.DefaultBackendSocketPath()
	if err != nil {
		return err
	}
	backend, err := tmuxctl.NewClient(backendSocket, wrapperDir, cfg.Backend.TmuxPath)
	if err != nil {
		return err
	}
	mgr, err := session.NewManager(session.Config{
		Backend:       backend,
		History:       store,
		Shell:         cfg.Terminal.Shell,
		FallbackShell: cfg.Terminal.FallbackShell,
		Persist:       cfg.Persistent(),
		ExtraEnv:      cfg.Terminal.ExtraEnv,
	})
	if err != nil {
		return err
	}
	daemon, err := sessiond.NewDaemon(sessiond.Config{
		Version:       version,
		Manager:       mgr,
		HandleSignals: true,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = daemon.Stop()
	}()
	if err := daemon.Run(); err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	return nil
}

func statusCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "report whether a daemon is running",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			socketPath, err := sessiond.DefaultSocketPath()
			if err != nil {
				return err
			}
			tokenPath, err := sessiond.DefaultTokenPath()
			if err != nil {
				return err
			}
			probeCtx, cancel := context.WithTimeout(ctx, clientTimeout)
			defer cancel()
			if err := sessiond.ProbeDaemon(probeCtx, socketPath, tokenPath); err != nil {
				if errors.Is(err, sessiond.ErrDaemonProbeTimeout) {
					return cli.Exit("daemon is not responding", 1)
				}
				fmt.Fprintln(cmd.Writer, "daemon is not running")
				return nil
			}
			token, err := sessiond.LoadToken(tokenPath)
			if err != nil {
				return err
			}
			client, err := sessiond.Dial(probeCtx, socketPath, sessiond.DialOptions{Token: token, ClientVersion: version})
			if err != nil {
				return err
			}
			defer client.Close()
			hello := client.Hello()
			fmt.Fprintf(cmd.Writer, "daemon running (pid %d, version %s)\n", hello.Pid, hello.ServerVersion)
			return nil
		},
	}
}

func listCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list sessions",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "emit machine readable output"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withClient(ctx, version, func(ctx context.Context, client *sessiond.Client) error {
				sessions, err := client.ListSessions(ctx)
				if err != nil {
					return err
				}
				if cmd.Bool("json") {
					enc := json.NewEncoder(cmd.Writer)
					enc.SetIndent("", "  ")
					return enc.Encode(sessions)
				}
				w := tabwriter.NewWriter(cmd.Writer, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "WORKSPACE\tPANE\tSTATE\tSHELL\tSIZE")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dx%d\n",
						s.WorkspaceID, s.PaneID, s.State, s.Shell, s.Cols, s.Rows)
				}
				return w.Flush()
			})
		},
	}
}

func killCommand(version string) *cli.Command {
	return &cli.Command{
		Name:      "kill",
		Usage:     "terminate one session",
		ArgsUsage: "<pane-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "delete-history", Usage: "also delete the stored transcript"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			paneID := cmd.Args().First()
			if paneID == "" {
				return cli.Exit("pane id is required", 2)
			}
			return withClient(ctx, version, func(ctx context.Context, client *sessiond.Client) error {
				if err := client.Kill(ctx, paneID, cmd.Bool("delete-history")); err != nil {
					return err
				}
				fmt.Fprintf(cmd.Writer, "killed %s\n", paneID)
				return nil
			})
		},
	}
}

func killWorkspaceCommand(version string) *cli.Command {
	return &cli.Command{
		Name:      "kill-workspace",
		Usage:     "terminate every session of a workspace",
		ArgsUsage: "<workspace-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			workspaceID := cmd.Args().First()
			if workspaceID == "" {
				return cli.Exit("workspace id is required", 2)
			}
			return withClient(ctx, version, func(ctx context.Context, client *sessiond.Client) error {
				killed, err := client.KillWorkspace(ctx, workspaceID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.Writer, "killed %d session(s)\n", killed)
				return nil
			})
		},
	}
}

func killAllCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "kill-all",
		Usage: "terminate every session, including detached ones",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withClient(ctx, version, func(ctx context.Context, client *sessiond.Client) error {
				killed, err := client.KillAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.Writer, "killed %d session(s)\n", killed)
				return nil
			})
		},
	}
}

func clearCommand(version string) *cli.Command {
	return &cli.Command{
		Name:      "clear",
		Usage:     "clear a session's scrollback",
		ArgsUsage: "<pane-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			paneID := cmd.Args().First()
			if paneID == "" {
				return cli.Exit("pane id is required", 2)
			}
			return withClient(ctx, version, func(ctx context.Context, client *sessiond.Client) error {
				return client.ClearScrollback(ctx, paneID)
			})
		},
	}
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "stop a running daemon; persistent sessions survive",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			stopCtx, cancel := context.WithTimeout(ctx, clientTimeout)
			defer cancel()
			if err := sessiond.StopDaemon(stopCtx); err != nil {
				return fmt.Errorf("stop daemon: %w", err)
			}
			fmt.Fprintln(cmd.Writer, "daemon stopped")
			return nil
		},
	}
}

// withClient spawns the daemon if needed and runs fn against it.
func withClient(ctx context.Context, version string, fn func(context.Context, *sessiond.Client) error) error {
	callCtx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()
	client, err := sessiond.Connect(callCtx, version)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(callCtx, client)
}

// IsDaemonInvocation reports whether argv runs the daemon subcommand.
func IsDaemonInvocation(args []string) bool {
	for _, arg := range args[1:] {
		switch arg {
		case "daemon":
			return true
		case "--":
			return false
		}
		if len(arg) > 0 && arg[0] != '-' {
			return false
		}
	}
	return false
}
