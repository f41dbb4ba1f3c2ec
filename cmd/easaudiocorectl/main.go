// SPDX-License-Identifier: MIT

// Package main implements easaudiocorectl, the administrative CLI for
// a running (or not-yet-running) easaudiocore source configuration:
// add/remove/enable/disable sources, force a failover, inspect status
// and failover history, validate a configuration file, and run a
// diagnostic sweep — either one flag-driven command at a time or via
// an interactive wizard.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/KR8MER/eas-station-sub008/internal/admincli"
	"github.com/KR8MER/eas-station-sub008/internal/config"
	"github.com/KR8MER/eas-station-sub008/internal/diagnostics"
	"github.com/KR8MER/eas-station-sub008/internal/manager"
	"github.com/KR8MER/eas-station-sub008/internal/menu"
)

var (
	Version   = "dev"
	GitCommit = "none"
)

const (
	defaultConfigPath = config.ConfigFilePath
	exitSuccess       = 0
	exitError         = 1
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

func run(args []string) error {
	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		return runVersion()
	case "validate":
		return runValidate(commandArgs)
	case "add-source":
		return runAddSource(commandArgs)
	case "remove-source":
		return runRemoveSource(commandArgs)
	case "enable-source":
		return runSetEnabled(commandArgs, true)
	case "disable-source":
		return runSetEnabled(commandArgs, false)
	case "force-failover":
		return runForceFailover(commandArgs)
	case "status":
		return runStatus(commandArgs)
	case "diagnose":
		return runDiagnose(commandArgs)
	case "wizard":
		return runWizard(commandArgs)
	case "menu":
		return runMenu(commandArgs)
	default:
		return fmt.Errorf("unknown command: %s (run 'easaudiocorectl help' for usage)", command)
	}
}

func runHelp() error {
	fmt.Println("easaudiocorectl - administer an easaudiocore source configuration")
	fmt.Println()
	fmt.Println("Usage: easaudiocorectl <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  validate          Validate a configuration file")
	fmt.Println("  add-source        Add a source (--name --kind --uri --priority ...)")
	fmt.Println("  remove-source     Remove a source (--name)")
	fmt.Println("  enable-source     Enable a source (--name)")
	fmt.Println("  disable-source    Disable a source (--name)")
	fmt.Println("  force-failover    Check a failover target against the configuration (--name)")
	fmt.Println("  status            Show configured sources")
	fmt.Println("  diagnose          Run a diagnostic sweep")
	fmt.Println("  wizard            Interactive source administration")
	fmt.Println("  menu              Full-screen navigable menu over all commands")
	fmt.Println("  version           Show version information")
	fmt.Println("  help              Show this help message")
	fmt.Println()
	fmt.Println("Global flags accepted by most commands:")
	fmt.Println("  --config=PATH     Path to configuration file (default: " + defaultConfigPath + ")")
	return nil
}

func runVersion() error {
	fmt.Printf("easaudiocorectl %s (%s)\n", Version, GitCommit)
	return nil
}

func configPathFromArgs(args []string) string {
	path := defaultConfigPath
	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], "--config="):
			path = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--config" && i+1 < len(args):
			path = args[i+1]
			i++
		}
	}
	return path
}

func loadOrDefault(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

func runValidate(args []string) error {
	path := configPathFromArgs(args)
	fmt.Printf("Validating configuration: %s\n\n", path)

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("Loaded %d source(s)\n", len(cfg.Sources))
	for _, sc := range cfg.Sources {
		state := "disabled"
		if sc.Enabled {
			state = "enabled"
		}
		fmt.Printf("  - %-16s kind=%-5s priority=%-3d %s\n", sc.Name, sc.Kind, sc.Priority, state)
	}
	return nil
}

// loadManager builds a throwaway, unstarted *manager.Manager from the
// configuration at path so add/remove/enable/disable/force-failover
// edits are validated the same way the running daemon would validate
// them, without needing a live instance.
func loadManager(path string) (*manager.Manager, *config.Config, error) {
	cfg, err := loadOrDefault(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	mgr, err := manager.New(cfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("construct manager: %w", err)
	}
	return mgr, cfg, nil
}

func runAddSource(args []string) error {
	path := configPathFromArgs(args)
	mgr, cfg, err := loadManager(path)
	if err != nil {
		return err
	}

	sc, err := admincli.ParseSourceArgs(args)
	if err != nil {
		return fmt.Errorf("parse source flags: %w", err)
	}
	if err := mgr.AddSource(sc); err != nil {
		return fmt.Errorf("add source: %w", err)
	}
	cfg.Sources = append(cfg.Sources, sc)
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	fmt.Printf("Added source %q\n", sc.Name)
	return nil
}

func runRemoveSource(args []string) error {
	path := configPathFromArgs(args)
	name, err := requireNameFlag(args)
	if err != nil {
		return err
	}
	mgr, cfg, err := loadManager(path)
	if err != nil {
		return err
	}
	if err := mgr.RemoveSource(name); err != nil {
		return fmt.Errorf("remove source: %w", err)
	}
	for i, sc := range cfg.Sources {
		if sc.Name == name {
			cfg.Sources = append(cfg.Sources[:i], cfg.Sources[i+1:]...)
			break
		}
	}
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	fmt.Printf("Removed source %q\n", name)
	return nil
}

func runSetEnabled(args []string, enabled bool) error {
	path := configPathFromArgs(args)
	name, err := requireNameFlag(args)
	if err != nil {
		return err
	}
	mgr, cfg, err := loadManager(path)
	if err != nil {
		return err
	}
	if err := mgr.SetEnabled(name, enabled); err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	for i, sc := range cfg.Sources {
		if sc.Name == name {
			cfg.Sources[i].Enabled = enabled
			break
		}
	}
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	fmt.Printf("Source %q enabled=%v\n", name, enabled)
	return nil
}

func runForceFailover(args []string) error {
	path := configPathFromArgs(args)
	name, err := requireNameFlag(args)
	if err != nil {
		return err
	}
	mgr, _, err := loadManager(path)
	if err != nil {
		return err
	}
	if err := mgr.ForceFailover(name); err != nil {
		return fmt.Errorf("force failover: %w", err)
	}
	fmt.Printf("Failover target %q is valid for this configuration (this command does not contact a running daemon)\n", name)
	return nil
}

func runStatus(args []string) error {
	path := configPathFromArgs(args)
	cfg, err := loadOrDefault(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	fmt.Printf("Configuration: %s\n", path)
	fmt.Printf("Sources configured: %d\n\n", len(cfg.Sources))
	for _, sc := range cfg.Sources {
		state := "disabled"
		if sc.Enabled {
			state = "enabled"
		}
		fmt.Printf("  %-16s kind=%-5s priority=%-3d %s uri=%s\n", sc.Name, sc.Kind, sc.Priority, state, sc.URI)
	}
	fmt.Println()
	fmt.Println("Note: this reads configuration only. For live source state, query")
	fmt.Println("the running daemon's /healthz endpoint or use 'easaudiocorectl wizard'")
	fmt.Println("against an embedded manager instance.")
	return nil
}

func runDiagnose(args []string) error {
	path := configPathFromArgs(args)
	opts := diagnostics.DefaultOptions()
	opts.ConfigPath = path

	runner := diagnostics.NewRunner(opts)
	report, err := runner.Run(context.Background())
	if err != nil {
		return fmt.Errorf("diagnostics: %w", err)
	}

	fmt.Printf("Diagnostic report (%s)\n\n", report.Timestamp.Format("2006-01-02 15:04:05"))
	for _, check := range report.Checks {
		fmt.Printf("  [%-8s] %-24s %s\n", check.Status, check.Name, check.Message)
		for _, sug := range check.Suggestions {
			fmt.Printf("             -> %s\n", sug)
		}
	}
	fmt.Println()
	fmt.Printf("Summary: %d ok, %d warning, %d critical, %d skipped, %d error\n",
		report.Summary.OK, report.Summary.Warning, report.Summary.Critical, report.Summary.Skipped, report.Summary.Error)

	if !report.Healthy {
		return fmt.Errorf("diagnostics reported a critical or error-level finding")
	}
	return nil
}

func runWizard(args []string) error {
	path := configPathFromArgs(args)
	mgr, cfg, err := loadManager(path)
	if err != nil {
		return err
	}
	w := admincli.New(mgr, cfg, path)
	return w.Run()
}

func runMenu(args []string) error {
	path := configPathFromArgs(args)
	m := menu.CreateMainMenu(path)
	return m.Display()
}

func requireNameFlag(args []string) (string, error) {
	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], "--name="):
			return strings.TrimPrefix(args[i], "--name="), nil
		case args[i] == "--name" && i+1 < len(args):
			return args[i+1], nil
		}
	}
	return "", fmt.Errorf("--name is required")
}
