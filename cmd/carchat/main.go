package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/hpungsan/carchat/internal/config"
	"github.com/hpungsan/carchat/internal/db"
	"github.com/hpungsan/carchat/internal/logging"
	"github.com/hpungsan/carchat/internal/mcp"
	"github.com/hpungsan/carchat/internal/ops"
	"github.com/hpungsan/carchat/internal/workflow"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"ask": true, "route": true, "history": true, "list": true, "close": true,
	"context": true, "similar": true, "analytics": true,
	"capabilities": true, "health": true, "export": true, "serve": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return cliCommands[arg] || arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v"
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

func printBanner() {
	fmt.Println(`
   ___ __ _ _ __ ___| |__   __ _| |_
  / __/ _' | '__/ __| '_ \ / _' | __|
 | (_| (_| | | | (__| | | | (_| | |_
  \___\__,_|_|  \___|_| |_|\__,_|\__|

  Vehicle question answering with conversation memory

  Usage: carchat <command> [options]
         carchat --help

  MCP server mode requires piped input.`)
}

// baseDir is $CARCHAT_HOME or ~/.carchat.
func baseDir() (string, error) {
	if dir := os.Getenv("CARCHAT_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".carchat"), nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Help and version need no database.
	if isHelpOrVersion() {
		if err := newCLIApp(nil).Run(os.Args); err != nil {
			fatal("%v", err)
		}
		return
	}

	dir, err := baseDir()
	if err != nil {
		fatal("%v", err)
	}

	wd, _ := os.Getwd()
	cfg, err := config.LoadWithProject(dir, wd)
	if err != nil {
		fatal("failed to load config: %v", err)
	}
	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		fmt.Fprintf(os.Stderr, "warning: unknown tools in disabled_tools: %v\n", unknown)
	}

	var log zerolog.Logger
	if isCLIMode() && isTerminal() {
		log, err = logging.NewConsole(cfg.LogLevel, os.Stderr)
	} else {
		log, err = logging.New(cfg.LogLevel, os.Stderr)
	}
	if err != nil {
		fatal("%v", err)
	}

	database, err := db.Init(dir)
	if err != nil {
		fatal("failed to initialize database: %v", err)
	}
	defer database.Close()
	db.ConfigurePool(database, cfg)

	repo := ops.NewRepository(database, cfg)
	engine, err := workflow.New(workflow.Deps{Repo: repo, Logger: log}, cfg)
	if err != nil {
		fatal("%v", err)
	}
	svc := &services{cfg: cfg, repo: repo, engine: engine, log: log}

	if isCLIMode() {
		if err := newCLIApp(svc).Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			database.Close()
			os.Exit(1)
		}
		return
	}

	// Unknown argument on a terminal is a typo, not an MCP client.
	if len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'carchat --help' for usage.\n")
		database.Close()
		os.Exit(1)
	}

	log.Info().Str("version", Version).Msg("serving MCP on stdio")
	if err := mcp.Run(mcp.NewHandlers(engine, repo), cfg, Version); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		database.Close()
		os.Exit(1)
	}
}
