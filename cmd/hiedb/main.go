package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/hiedb/internal"
	"github.com/starford/hiedb/internal/install"
	pkgconfig "github.com/starford/hiedb/pkg/config"
)

func runMode(mode internal.Mode) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		configPath := cmd.String("config")

		cfg := internal.NewDefaultConfig()
		if err := pkgconfig.Load(configPath, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}

		opts := []internal.Option{
			internal.WithConfig(cfg),
			internal.WithMode(mode),
		}

		if err := internal.Run(ctx, opts...); err != nil {
			return fmt.Errorf("app run error: %w", err)
		}

		return nil
	}
}

func printScripts(w io.Writer, bundle func(string) ([]install.Script, error)) cli.ActionFunc {
	return func(_ context.Context, cmd *cli.Command) error {
		scripts, err := bundle(cmd.String("provider"))
		if err != nil {
			return err
		}
		for _, s := range scripts {
			fmt.Fprintf(w, "-- %s\n%s\n", s.Name, strings.TrimRight(s.SQL, "\n"))
		}
		return nil
	}
}

func providerFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "provider",
		Aliases: []string{"p"},
		Usage:   "Database provider (" + strings.Join(install.Providers(), ", ") + ")",
		Value:   install.SQLite,
	}
}

func newCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:   "hiedb",
		Usage:  "Versioned health record store with master data management",
		Action: runMode(internal.ModeServe),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file (.yaml or .xml)",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, inbox watcher and job scheduler",
				Action: runMode(internal.ModeServe),
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools on stdin/stdout",
				Action: runMode(internal.ModeMCP),
			},
			{
				Name:   "install",
				Usage:  "Print the SQL install bundle for a provider",
				Flags:  []cli.Flag{providerFlag()},
				Action: printScripts(out, install.Install),
			},
			{
				Name:   "uninstall",
				Usage:  "Print the SQL uninstall bundle for a provider",
				Flags:  []cli.Flag{providerFlag()},
				Action: printScripts(out, install.Uninstall),
			},
		},
	}
}

func main() {
	if err := newCommand(os.Stdout).Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
