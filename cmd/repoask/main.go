// Package main is the repoask entry point: ask natural-language
// questions against registered git repositories through a local coding
// agent.
package main

import (
	"fmt"
	"os"

	"github.com/repoask/repoask/internal/common/config"
	"github.com/repoask/repoask/internal/common/logger"
)

const usage = `repoask - ask questions about git repositories

Usage:
  repoask ask [-repos a,b] <question with @repo mentions>
  repoask repos list
  repoask repos add -name <name> -url <url> [-branch <branch>] [-notes <text>] [-search-path <dir>]
  repoask repos remove <name>
  repoask workspaces list
  repoask workspaces clear <key>|--all
  repoask history [-limit n] [-workspace key]
  repoask serve
  repoask init

Environment:
  REPOASK_* variables override config.yaml (e.g. REPOASK_AGENT_BINARY).
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	app := &app{cfg: cfg, logger: log}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "ask":
		err = app.cmdAsk(args)
	case "repos":
		err = app.cmdRepos(args)
	case "workspaces":
		err = app.cmdWorkspaces(args)
	case "history":
		err = app.cmdHistory(args)
	case "serve":
		err = app.cmdServe(args)
	case "init":
		err = app.cmdInit()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
