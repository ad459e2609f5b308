package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/ebpa-setup/internal/config"
	"github.com/johndauphine/ebpa-setup/internal/geodb"
	"github.com/johndauphine/ebpa-setup/internal/logging"
	"github.com/johndauphine/ebpa-setup/internal/orchestrator"
	"github.com/johndauphine/ebpa-setup/internal/util"
	"github.com/johndauphine/ebpa-setup/internal/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file (built-in defaults when omitted)",
			},
			&cli.StringFlag{
				Name:    "workspace",
				Aliases: []string{"w"},
				Usage:   "Directory holding the .gdb stores",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format: text or json",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Download sources and build every scenario store",
				Action: runSetup,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "keep-setup",
						Usage: "Keep the intermediate setup store",
					},
					&cli.BoolFlag{
						Name:  "output-json",
						Usage: "Print the run result as JSON",
					},
					&cli.StringFlag{
						Name:  "output-file",
						Usage: "Write the run result as JSON to a file",
					},
				},
			},
			{
				Name:   "fetch",
				Usage:  "Download and merge sources into the setup store only",
				Action: fetchSources,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "output-json", Usage: "Print the result as JSON"},
					&cli.StringFlag{Name: "output-file", Usage: "Write the result as JSON to a file"},
				},
			},
			{
				Name:   "validate",
				Usage:  "Check the configuration and the census store",
				Action: validateSetup,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "check-sources",
						Usage: "Also request every source layer description",
					},
					&cli.BoolFlag{
						Name:  "show",
						Usage: "Print the effective configuration",
					},
				},
			},
			{
				Name:      "inspect",
				Usage:     "List the feature classes of a store",
				ArgsUsage: "<store.gdb | STORE_NAME>",
				Action:    inspectStore,
			},
			{
				Name:   "export",
				Usage:  "Copy scenario stores into PostgreSQL",
				Action: exportStores,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "scenarios",
						Usage: "Comma-separated scenario stores (default: all)",
					},
				},
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "%s %s\n", version.Name, version.Version)
					return nil
				},
			},
		},
	}
}

// loadConfig reads the configuration and applies the global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if c.IsSet("workspace") {
		cfg.Workspace = c.String("workspace")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Logging.Format = c.String("log-format")
	}
	if err := logging.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runSetup(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Bool("keep-setup") {
		cfg.KeepSetup = true
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, runErr := orch.Run(ctx)
	if err := outputJSON(c, result); err != nil {
		return err
	}
	return runErr
}

func fetchSources(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, runErr := orch.Fetch(ctx)
	if err := outputJSON(c, result); err != nil {
		return err
	}
	return runErr
}

func validateSetup(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Bool("show") {
		out, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return err
		}
		fmt.Fprint(c.App.Writer, string(out))
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	result, err := orch.Preflight(ctx, c.Bool("check-sources"))
	if err != nil {
		return err
	}
	for _, s := range result.Sources {
		status := "ok"
		if !s.Reachable {
			status = s.Error
		}
		fmt.Fprintf(c.App.Writer, "  %-16s %6dms  %s\n", s.Name, s.LatencyMs, status)
	}
	if err := result.Err(); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "Configuration is valid")
	return nil
}

func inspectStore(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	arg := c.Args().First()
	if arg == "" {
		return fmt.Errorf("inspect requires a store path or name")
	}
	return orchestrator.Inspect(c.Context, storePath(cfg, arg), c.App.Writer)
}

// storePath accepts a path to a .gdb directory or a bare store name in the
// workspace.
func storePath(cfg *config.Config, arg string) string {
	if strings.HasSuffix(strings.ToLower(arg), geodb.Extension) {
		return arg
	}
	return cfg.StorePath(arg)
}

func exportStores(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	n, err := orch.Export(ctx, util.SplitCSV(c.String("scenarios")))
	if err != nil {
		return err
	}
	logging.Info("Exported %d rows", n)
	return nil
}

// outputJSON writes result to stdout with --output-json and to the file named
// by --output-file. Neither flag set means no output.
func outputJSON(c *cli.Context, result any) error {
	if !c.Bool("output-json") && c.String("output-file") == "" {
		return nil
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if c.Bool("output-json") {
		fmt.Fprintln(os.Stdout, string(data))
	}
	if path := c.String("output-file"); path != "" {
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}
