package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/repoask/repoask/internal/common/config"
	"github.com/repoask/repoask/internal/common/logger"
	"github.com/repoask/repoask/internal/events/bus"
	"github.com/repoask/repoask/internal/history"
	"github.com/repoask/repoask/internal/query"
	"github.com/repoask/repoask/internal/registry"
	"github.com/repoask/repoask/internal/repocache"
	"github.com/repoask/repoask/internal/server"
	"github.com/repoask/repoask/internal/session"
	"github.com/repoask/repoask/internal/tracing"
	"github.com/repoask/repoask/internal/workspace"
)

// app wires the components lazily per command.
type app struct {
	cfg    *config.Config
	logger *logger.Logger

	reg      *registry.Registry
	cache    *repocache.Cache
	engine   *workspace.Engine
	eventBus bus.EventBus
	orch     *session.Orchestrator
	store    *history.Store
}

// wire builds the component graph. Commands that only touch the
// registry call wireRegistry instead.
func (a *app) wire() error {
	if err := a.wireRegistry(); err != nil {
		return err
	}

	reposDir, err := a.cfg.Dirs.ExpandedReposDir()
	if err != nil {
		return err
	}
	workspacesDir, err := a.cfg.Dirs.ExpandedWorkspacesDir()
	if err != nil {
		return err
	}

	a.cache = repocache.New(reposDir, a.logger)
	a.engine = workspace.NewEngine(workspacesDir, a.reg, a.cache, a.logger)

	if a.cfg.Bus.URL != "" {
		natsBus, err := bus.NewNATSEventBus(a.cfg.Bus, a.logger)
		if err != nil {
			a.logger.Warn("nats unavailable, using in-memory bus", zap.Error(err))
			a.eventBus = bus.NewMemoryEventBus(a.logger)
		} else {
			a.eventBus = natsBus
		}
	} else {
		a.eventBus = bus.NewMemoryEventBus(a.logger)
	}

	a.orch = session.NewOrchestrator(a.cfg.Agent, a.eventBus, a.logger)

	if a.cfg.History.Enabled {
		path, err := a.cfg.HistoryPath()
		if err != nil {
			return err
		}
		store, err := history.Open(path)
		if err != nil {
			a.logger.Warn("history store unavailable", zap.Error(err))
		} else {
			a.store = store
		}
	}
	return nil
}

func (a *app) wireRegistry() error {
	root, err := a.cfg.Dirs.ExpandedConfigRoot()
	if err != nil {
		return err
	}
	reg, err := registry.Open(filepath.Join(root, "resources.json"), a.logger)
	if err != nil {
		return err
	}
	a.reg = reg
	return nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.eventBus != nil {
		a.eventBus.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tracing.Shutdown(shutdownCtx)
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) cmdAsk(args []string) error {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	reposFlag := fs.String("repos", "", "comma-separated repository names, in addition to @mentions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		return fmt.Errorf("no question given")
	}

	if err := a.wire(); err != nil {
		return err
	}
	defer a.close()

	parsed := query.Parse(question)
	var extra []string
	if *reposFlag != "" {
		extra = strings.Split(*reposFlag, ",")
	}
	names := query.Merge(parsed.Repos, extra)
	if len(names) == 0 {
		return fmt.Errorf("no repositories named: mention them with @repo or pass -repos")
	}
	if parsed.Prompt == "" {
		return fmt.Errorf("question is empty after removing mentions")
	}

	ctx, cancel := signalContext()
	defer cancel()

	started := time.Now()
	ws, err := a.engine.Ensure(ctx, names)
	if err != nil {
		return err
	}

	answer, askErr := a.orch.Ask(ctx, ws, parsed.Prompt)
	a.recordAsk(ws.Key, parsed.Prompt, answer, askErr, time.Since(started))
	if askErr != nil {
		return askErr
	}

	// The answer goes to stdout; everything else logs to stderr.
	fmt.Println(answer)
	return nil
}

func (a *app) recordAsk(key, question, answer string, askErr error, elapsed time.Duration) {
	if a.store == nil {
		return
	}
	ask := &history.Ask{
		WorkspaceKey: key,
		Question:     question,
		Answer:       answer,
		Status:       history.StatusCompleted,
		DurationMS:   elapsed.Milliseconds(),
	}
	if askErr != nil {
		ask.Status = history.StatusFailed
		ask.Error = askErr.Error()
		ask.Answer = ""
	}
	recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.Record(recordCtx, ask); err != nil {
		a.logger.Warn("failed to record ask", zap.Error(err))
	}
}

func (a *app) cmdRepos(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("repos needs a subcommand: list, add, remove")
	}
	if err := a.wireRegistry(); err != nil {
		return err
	}

	switch args[0] {
	case "list":
		resources := a.reg.List()
		if len(resources) == 0 {
			fmt.Println("no repositories registered")
			return nil
		}
		for _, res := range resources {
			line := fmt.Sprintf("%s\t%s\t%s", res.Name, res.URL, res.Branch)
			if res.SearchPath != "" {
				line += "\t(search: " + res.SearchPath + ")"
			}
			fmt.Println(line)
		}
		return nil

	case "add":
		fs := flag.NewFlagSet("repos add", flag.ExitOnError)
		name := fs.String("name", "", "repository name (lowercase letters, digits, - and _)")
		url := fs.String("url", "", "git clone URL")
		branch := fs.String("branch", "", "branch to track (default main)")
		notes := fs.String("notes", "", "notes injected into the agent prompt context")
		searchPath := fs.String("search-path", "", "subdirectory the agent should focus on")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		added, err := a.reg.Add(registry.Resource{
			Name:         *name,
			URL:          *url,
			Branch:       *branch,
			SpecialNotes: *notes,
			SearchPath:   *searchPath,
		})
		if err != nil {
			return err
		}
		fmt.Printf("added %s (%s @ %s)\n", added.Name, added.URL, added.Branch)
		return nil

	case "remove":
		if len(args) < 2 {
			return fmt.Errorf("repos remove needs a name")
		}
		if err := a.reg.Remove(args[1]); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown repos subcommand %q", args[0])
	}
}

func (a *app) cmdWorkspaces(args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}
	if err := a.wire(); err != nil {
		return err
	}
	defer a.close()

	switch args[0] {
	case "list":
		keys, err := a.engine.List()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("no workspaces")
			return nil
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil

	case "clear":
		ctx, cancel := signalContext()
		defer cancel()
		if len(args) > 1 && args[1] == "--all" {
			return a.engine.ClearAll(ctx)
		}
		if len(args) < 2 {
			return fmt.Errorf("workspaces clear needs a key or --all")
		}
		return a.engine.Clear(ctx, args[1])

	default:
		return fmt.Errorf("unknown workspaces subcommand %q", args[0])
	}
}

func (a *app) cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum entries to show")
	workspaceKey := fs.String("workspace", "", "filter by workspace key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !a.cfg.History.Enabled {
		return fmt.Errorf("history is disabled in configuration")
	}
	path, err := a.cfg.HistoryPath()
	if err != nil {
		return err
	}
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	var asks []*history.Ask
	if *workspaceKey != "" {
		asks, err = store.ListByWorkspace(ctx, *workspaceKey, *limit)
	} else {
		asks, err = store.List(ctx, *limit)
	}
	if err != nil {
		return err
	}
	if len(asks) == 0 {
		fmt.Println("no asks recorded")
		return nil
	}
	for _, ask := range asks {
		marker := "ok"
		if ask.Status == history.StatusFailed {
			marker = "failed"
		}
		fmt.Printf("%s  %-8s %-24s %s\n",
			ask.CreatedAt.Local().Format("2006-01-02 15:04"),
			marker, ask.WorkspaceKey, ask.Question)
	}
	return nil
}

func (a *app) cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	host := fs.String("host", "", "bind host (overrides config)")
	port := fs.Int("port", 0, "bind port (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.wire(); err != nil {
		return err
	}
	defer a.close()

	serverCfg := a.cfg.Server
	if *host != "" {
		serverCfg.Host = *host
	}
	if *port != 0 {
		serverCfg.Port = *port
	}

	srv := server.New(serverCfg, a.reg, a.engine, a.orch, a.store, a.eventBus, a.logger)

	ctx, cancel := signalContext()
	defer cancel()
	return srv.Run(ctx)
}

func (a *app) cmdInit() error {
	path, err := config.WriteDefault(a.cfg.Dirs.ConfigRoot)
	if err != nil {
		return err
	}
	fmt.Printf("configuration at %s\n", path)
	return nil
}
