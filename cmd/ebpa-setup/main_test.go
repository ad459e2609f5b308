package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/ebpa-setup/internal/config"
	"github.com/johndauphine/ebpa-setup/internal/logging"
	"github.com/johndauphine/ebpa-setup/internal/orchestrator"
)

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "ebpa.yaml")
	if err := os.WriteFile(cfgFile, []byte("workspace: /data/ebpa\nlogging:\n  level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name          string
		args          []string
		wantWorkspace string
		wantLevel     string
	}{
		{
			name:          "built-in defaults",
			args:          []string{"app", "run"},
			wantWorkspace: ".",
			wantLevel:     "info",
		},
		{
			name:          "config file",
			args:          []string{"app", "--config", cfgFile, "run"},
			wantWorkspace: "/data/ebpa",
			wantLevel:     "warn",
		},
		{
			name:          "flags override config file",
			args:          []string{"app", "-c", cfgFile, "-w", "/tmp/ws", "--log-level", "debug", "run"},
			wantWorkspace: "/tmp/ws",
			wantLevel:     "debug",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Cleanup(func() { logging.SetLevel(logging.LevelInfo) })

			var got *config.Config
			app := &cli.App{
				Flags: newApp().Flags,
				Commands: []*cli.Command{
					{
						Name: "run",
						Action: func(c *cli.Context) error {
							var err error
							got, err = loadConfig(c)
							return err
						},
					},
				},
			}
			if err := app.Run(tt.args); err != nil {
				t.Fatalf("app.Run() error: %v", err)
			}
			if got.Workspace != tt.wantWorkspace {
				t.Errorf("Workspace = %q, want %q", got.Workspace, tt.wantWorkspace)
			}
			if got.Logging.Level != tt.wantLevel {
				t.Errorf("Logging.Level = %q, want %q", got.Logging.Level, tt.wantLevel)
			}
			if logging.GetLevel().String() != strings.ToUpper(tt.wantLevel) {
				t.Errorf("logger level = %s, want %s", logging.GetLevel(), tt.wantLevel)
			}
		})
	}
}

func TestLoadConfigBadLogLevel(t *testing.T) {
	app := &cli.App{
		Flags: newApp().Flags,
		Action: func(c *cli.Context) error {
			_, err := loadConfig(c)
			return err
		},
	}
	if err := app.Run([]string{"app", "--log-level", "verbose"}); err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestOutputJSON(t *testing.T) {
	result := &orchestrator.Result{
		RunID:           "3f2a9c1d-8e4b-4c2a-9f1e-6b7d0a5c3e21",
		Status:          orchestrator.StatusSuccess,
		StartedAt:       time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		CompletedAt:     time.Date(2025, 1, 15, 10, 5, 0, 0, time.UTC),
		DurationSeconds: 300,
		Sources:         []orchestrator.SourceResult{{Name: "parks", Code: "p", Pages: 2, Records: 1500}},
		Stores:          []string{"LOS_BASELINE.gdb"},
	}

	t.Run("output to file", func(t *testing.T) {
		outFile := filepath.Join(t.TempDir(), "result.json")
		app := &cli.App{
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "output-json"},
				&cli.StringFlag{Name: "output-file"},
			},
			Action: func(c *cli.Context) error {
				return outputJSON(c, result)
			},
		}
		if err := app.Run([]string{"app", "--output-file", outFile}); err != nil {
			t.Fatalf("outputJSON() error: %v", err)
		}

		data, err := os.ReadFile(outFile)
		if err != nil {
			t.Fatalf("failed to read output file: %v", err)
		}
		var parsed orchestrator.Result
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatalf("invalid JSON in file: %v", err)
		}
		if parsed.RunID != "3f2a9c1d-8e4b-4c2a-9f1e-6b7d0a5c3e21" || len(parsed.Sources) != 1 || parsed.Sources[0].Records != 1500 {
			t.Errorf("unexpected parsed result %+v", parsed)
		}
	})

	t.Run("no flags writes nothing", func(t *testing.T) {
		dir := t.TempDir()
		app := &cli.App{
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "output-json"},
				&cli.StringFlag{Name: "output-file"},
			},
			Action: func(c *cli.Context) error {
				return outputJSON(c, result)
			},
		}
		if err := app.Run([]string{"app"}); err != nil {
			t.Fatalf("outputJSON() error: %v", err)
		}
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Errorf("unexpected files %v", entries)
		}
	})
}

func TestStorePath(t *testing.T) {
	cfg := config.Default()
	cfg.Workspace = "/data"

	tests := []struct {
		arg, want string
	}{
		{"LOS_BASELINE", filepath.Join("/data", "LOS_BASELINE.gdb")},
		{"/elsewhere/LA_CURRENT.gdb", "/elsewhere/LA_CURRENT.gdb"},
		{"setup.GDB", "setup.GDB"},
	}
	for _, tt := range tests {
		if got := storePath(cfg, tt.arg); got != tt.want {
			t.Errorf("storePath(%q) = %q, want %q", tt.arg, got, tt.want)
		}
	}
}

func TestCommands(t *testing.T) {
	app := newApp()
	var names []string
	for _, cmd := range app.Commands {
		names = append(names, cmd.Name)
	}
	want := "run,fetch,validate,inspect,export,version"
	if strings.Join(names, ",") != want {
		t.Errorf("commands = %v, want %s", names, want)
	}

	runFlags := map[string]bool{}
	for _, f := range app.Command("run").Flags {
		runFlags[f.Names()[0]] = true
	}
	for _, name := range []string{"keep-setup", "output-json", "output-file"} {
		if !runFlags[name] {
			t.Errorf("run is missing --%s", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	if err := app.Run([]string{"ebpa-setup", "version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "ebpa-setup ") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestValidateCommandMissingCensus(t *testing.T) {
	t.Cleanup(func() { logging.SetLevel(logging.LevelInfo) })
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.Run([]string{"ebpa-setup", "-w", t.TempDir(), "validate", "--show"})
	if err == nil || !strings.Contains(err.Error(), "EBPA_CENSUS.gdb not found") {
		t.Fatalf("expected missing census error, got %v", err)
	}
	if !strings.Contains(out.String(), "setup_store: SETUP") {
		t.Errorf("--show did not print the config:\n%s", out.String())
	}
}

func TestInspectRequiresArgument(t *testing.T) {
	app := newApp()
	app.Writer = &bytes.Buffer{}
	if err := app.Run([]string{"ebpa-setup", "inspect"}); err == nil {
		t.Error("expected error without a store argument")
	}
}
