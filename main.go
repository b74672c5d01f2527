// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// hearth is an interactive chat client for local language models.
//
// It renders conversation history into model-family prompts, streams
// completions token by token, intercepts tool calls the model emits, and
// optionally injects dataset context retrieved from a local SQLite store.
//
// Interactive commands (during chat):
//
//	/help               Show available commands
//	/clear              Clear conversation history
//	/model [name]       Show, list, or switch model
//	/stats              Show session statistics
//	/tools              List registered tools
//	/dataset ...        Manage retrieval datasets
//	/sessions           List saved sessions
//	/save               Save the current session
//	/load <n>           Load a saved session by list position
//	/export [path]      Export the session as Markdown
//	/quit               Exit
//	Ctrl+C              Cancel current generation
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"

	"github.com/jeranaias/hearth/internal/backend"
	"github.com/jeranaias/hearth/internal/config"
	"github.com/jeranaias/hearth/internal/engine"
	"github.com/jeranaias/hearth/internal/model"
	"github.com/jeranaias/hearth/internal/prompt"
	"github.com/jeranaias/hearth/internal/retrieval"
	"github.com/jeranaias/hearth/internal/storage"
	"github.com/jeranaias/hearth/internal/tools"
	"github.com/jeranaias/hearth/internal/util"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")). // Cyan
			Bold(true)

	welcomeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("99")). // Purple
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")) // Light gray

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")) // Emerald

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // Amber

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")). // Red
			Bold(true)
)

// =============================================================================
// APPLICATION STATE
// =============================================================================

// familyInfo caches the per-model template classification.
type familyInfo struct {
	family prompt.Family
	think  bool
}

type app struct {
	mu       sync.Mutex
	settings *config.Settings

	client   *backend.Client
	orch     *engine.Orchestrator
	store    *retrieval.DatasetStore // nil when the dataset DB failed to open
	sessions *storage.SessionStore   // nil when the home dir is unavailable
	registry *tools.Registry

	sess      *model.Session
	datasetID string

	families map[string]familyInfo
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:")+" "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.EnsureDir(); err != nil {
		return err
	}

	client := backend.NewClientWithConfig(&backend.ClientConfig{
		BaseURL:   settings.Backend.URL,
		Timeout:   time.Duration(settings.Backend.TimeoutSecs) * time.Second,
		KeepAlive: settings.Backend.KeepAlive,
	})

	ctx := context.Background()
	if err := client.CheckHealth(ctx); err != nil {
		fmt.Println(warningStyle.Render("Warning:") + " backend not reachable at " +
			settings.Backend.URL + " - start it and try again, or keep going to poke around.")
	}

	a := &app{
		settings: settings,
		client:   client,
		registry: tools.NewRegistry(),
		sess:     model.NewSessionWithModel(settings.DefaultModel),
		families: make(map[string]familyInfo),
	}

	if dbPath, err := settings.DatabasePath(); err == nil {
		store, err := retrieval.OpenStore(&retrieval.StoreConfig{
			DatabasePath: dbPath,
			ChunkSize:    settings.Retrieval.ChunkSize,
		})
		if err != nil {
			fmt.Println(warningStyle.Render("Warning:") + " dataset store unavailable: " + err.Error())
		} else {
			a.store = store
			defer store.Close()
		}
	}

	var policy *retrieval.Policy
	if a.store != nil {
		policy = retrieval.NewPolicy(a.store)
		policy.MaxChunks = settings.Retrieval.MaxChunks
		policy.MinScore = settings.Retrieval.MinScore
		policy.FullDocFraction = settings.Retrieval.FullDocFraction
		policy.CeilingFraction = settings.Retrieval.CeilingFraction
	}

	var runner engine.ToolRunner = tools.NewExecutor(a.registry)
	if !settings.Tools.Enabled {
		runner = disabledRunner{}
	}
	a.orch = engine.New(client, runner, policy)

	if sessions, err := storage.NewSessionStore(); err == nil {
		a.sessions = sessions
	}

	// Hot reload: edits to the settings file apply to subsequent turns.
	if path, err := config.PathTOML(); err == nil {
		if w, werr := config.NewWatcher(path, a.applySettings); werr == nil {
			defer w.Close()
		}
	}

	return a.repl()
}

// applySettings swaps in freshly loaded settings from the config watcher.
func (a *app) applySettings(s *config.Settings) {
	a.mu.Lock()
	a.settings = s
	a.mu.Unlock()
	fmt.Println("\n" + infoStyle.Render("[config reloaded]"))
}

func (a *app) currentSettings() *config.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// =============================================================================
// REPL
// =============================================================================

func (a *app) repl() error {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	defer line.Close()

	historyPath, _ := a.currentSettings().HistoryPath()
	if historyPath != "" {
		if f, err := os.Open(historyPath); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
		defer func() {
			if f, err := os.OpenFile(historyPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
				line.WriteHistory(f)
				f.Close()
			}
		}()
	}

	// First Ctrl+C during generation cancels the stream.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			a.orch.Stop()
		}
	}()

	fmt.Println(welcomeStyle.Render("hearth") + infoStyle.Render(" - chat with local models. /help for commands."))

	for {
		input, err := line.Prompt(promptStyle.Render("hearth> "))
		if err != nil {
			// Ctrl+C at the prompt, or Ctrl+D: exit gracefully.
			if errors.Is(err, io.EOF) {
				fmt.Println()
			}
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			cont, err := a.handleCommand(input)
			if err != nil {
				fmt.Fprintln(os.Stderr, errorStyle.Render("[error]")+" "+err.Error())
			}
			if !cont {
				return nil
			}
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			return nil
		}

		a.generate(input)
	}
}

// =============================================================================
// GENERATION
// =============================================================================

// generate runs one full turn: user message in, assistant message streamed
// out, tool calls and dataset retrieval handled by the engine.
func (a *app) generate(input string) {
	s := a.currentSettings()
	a.sess.AddUserMessage(input)

	info := a.resolveFamily(context.Background(), a.sess.Model)
	cfg := engine.RunConfig{
		Model:         a.sess.Model,
		Family:        info.family,
		ThinkTemplate: info.think,
		Compact:       s.Generation.CompactModel,
		SystemPrompt:  a.systemPrompt(s),
		ContextWindow: s.Generation.ContextWindow,
		MaxTokens:     s.Generation.MaxTokens,
		Temperature:   s.Generation.Temperature,
		DatasetID:     a.datasetID,
	}

	events := a.orch.Run(context.Background(), a.sess, cfg)
	retrieving := false
	for ev := range events {
		switch ev.Type {
		case engine.EventStageChanged:
			if !retrieving {
				retrieving = true
				fmt.Println(infoStyle.Render("[retrieving dataset context]"))
			}
		case engine.EventTokenAppended:
			fmt.Print(ev.Delta)
		case engine.EventToolCallDetected:
			fmt.Println("\n" + toolStyle.Render("[tool] "+ev.Call.ToolName))
		case engine.EventToolCallResolved:
			if ev.Call.Error != "" {
				fmt.Println(warningStyle.Render("[tool error] " + ev.Call.Error))
			}
		case engine.EventCompleted:
			fmt.Println()
			if s.UI.ShowStats && ev.Stats != nil {
				fmt.Println(infoStyle.Render(ev.Stats.Format()))
			}
		case engine.EventCancelled:
			fmt.Println("\n" + warningStyle.Render("[cancelled]"))
		case engine.EventFailed:
			fmt.Fprintln(os.Stderr, "\n"+errorStyle.Render("[error]")+" "+ev.Err.Error())
		}
	}
}

// systemPrompt combines the configured system text with the tool guidance
// block when tools are enabled.
func (a *app) systemPrompt(s *config.Settings) string {
	base := s.Generation.SystemPrompt
	if !s.Tools.Enabled {
		return base
	}
	guidance := tools.GuidanceBlock(a.registry.List())
	if base == "" {
		return guidance
	}
	return base + "\n\n" + guidance
}

// resolveFamily classifies the model's prompt family and think-template
// status once, from its raw template, and caches the result.
func (a *app) resolveFamily(ctx context.Context, modelName string) familyInfo {
	if info, ok := a.families[modelName]; ok {
		return info
	}
	tmpl, err := a.client.ModelTemplate(ctx, modelName)
	if err != nil {
		tmpl = ""
	}
	info := familyInfo{
		family: prompt.Classify(modelName, tmpl),
		think:  prompt.IsThinkTemplate(modelName, tmpl),
	}
	a.families[modelName] = info
	return info
}

// disabledRunner is swapped in when tool execution is turned off; detected
// calls resolve to an error the model can read.
type disabledRunner struct{}

func (disabledRunner) Execute(context.Context, string, json.RawMessage) tools.Result {
	return tools.Result{Success: false, Error: "tool execution is disabled"}
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

func (a *app) handleCommand(input string) (bool, error) {
	fields := strings.Fields(input)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/quit", "/q", "/exit":
		return false, nil

	case "/help", "/h":
		a.printHelp()

	case "/clear", "/c":
		a.orch.Stop()
		a.sess.ClearHistory()
		fmt.Println(infoStyle.Render("[history cleared]"))

	case "/model", "/m":
		return true, a.cmdModel(args)

	case "/stats", "/s":
		a.printStats()

	case "/tools":
		for _, tool := range a.registry.List() {
			fmt.Printf("  %s  %s\n", toolStyle.Render(tool.Name), infoStyle.Render(tool.Description))
		}

	case "/dataset", "/d":
		return true, a.cmdDataset(args)

	case "/sessions":
		return true, a.cmdSessions()

	case "/save":
		return true, a.cmdSave()

	case "/load":
		return true, a.cmdLoad(args)

	case "/export":
		return true, a.cmdExport(args)

	default:
		fmt.Println(warningStyle.Render("Unknown command: " + cmd + " (try /help)"))
	}
	return true, nil
}

func (a *app) printHelp() {
	rows := [][2]string{
		{"/help", "show this help"},
		{"/clear", "clear conversation history"},
		{"/model [name]", "show, list, or switch the model"},
		{"/stats", "session statistics"},
		{"/tools", "list registered tools"},
		{"/dataset list", "list retrieval datasets"},
		{"/dataset create <name>", "create a dataset"},
		{"/dataset add <id> <file>", "ingest a file into a dataset"},
		{"/dataset use <id>", "inject dataset context into turns"},
		{"/dataset off", "stop injecting dataset context"},
		{"/sessions", "list saved sessions"},
		{"/save", "save the current session"},
		{"/load <n>", "load a saved session by position"},
		{"/export [path]", "export the session as Markdown"},
		{"/quit", "exit"},
	}
	for _, row := range rows {
		fmt.Printf("  %-26s %s\n", toolStyle.Render(row[0]), infoStyle.Render(row[1]))
	}
}

func (a *app) cmdModel(args []string) error {
	if len(args) == 0 {
		fmt.Println("Current model: " + promptStyle.Render(a.sess.Model))
		models, err := a.client.ListModels(context.Background())
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Println("  " + m.Name)
		}
		return nil
	}
	a.sess.Model = args[0]
	info := a.resolveFamily(context.Background(), args[0])
	fmt.Println(infoStyle.Render("[model: " + args[0] + ", family: " + info.family.String() + "]"))
	return nil
}

func (a *app) printStats() {
	fmt.Printf("  messages: %d\n", a.sess.MessageCount())
	fmt.Printf("  tokens (est): %d\n", a.sess.EstimateTokens())
	fmt.Printf("  model: %s\n", a.sess.Model)
	if a.datasetID != "" {
		fmt.Printf("  dataset: %s\n", a.datasetID)
	}
}

func (a *app) cmdDataset(args []string) error {
	if a.store == nil {
		return errors.New("dataset store is unavailable")
	}
	if len(args) == 0 {
		args = []string{"list"}
	}
	ctx := context.Background()

	switch args[0] {
	case "list":
		datasets, err := a.store.ListDatasets(ctx)
		if err != nil {
			return err
		}
		if len(datasets) == 0 {
			fmt.Println(infoStyle.Render("no datasets - /dataset create <name>"))
			return nil
		}
		for _, ds := range datasets {
			marker := "  "
			if ds.ID == a.datasetID {
				marker = "* "
			}
			fmt.Printf("%s%s  %s\n", marker, ds.ID, ds.Name)
		}

	case "create":
		if len(args) < 2 {
			return errors.New("usage: /dataset create <name>")
		}
		id, err := a.store.CreateDataset(ctx, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Println(infoStyle.Render("[created " + id + "]"))

	case "add":
		if len(args) < 3 {
			return errors.New("usage: /dataset add <id> <file>")
		}
		data, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		n, err := a.store.IngestDocument(ctx, args[1], args[2], string(data))
		if err != nil {
			return err
		}
		fmt.Println(infoStyle.Render("[ingested " + strconv.Itoa(n) + " chunks]"))

	case "use":
		if len(args) < 2 {
			return errors.New("usage: /dataset use <id>")
		}
		if err := a.store.WarmUp(ctx); err != nil {
			return err
		}
		a.datasetID = args[1]
		fmt.Println(infoStyle.Render("[dataset active: " + args[1] + "]"))

	case "off":
		a.datasetID = ""
		fmt.Println(infoStyle.Render("[dataset context off]"))

	default:
		return errors.New("usage: /dataset [list|create|add|use|off]")
	}
	return nil
}

func (a *app) cmdSessions() error {
	if a.sessions == nil {
		return errors.New("session store is unavailable")
	}
	metas, err := a.sessions.List()
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Println(infoStyle.Render("no saved sessions"))
		return nil
	}
	for i, meta := range metas {
		fmt.Printf("  %2d  %s  %s  %s\n", i,
			meta.UpdatedAt.Format("2006-01-02 15:04"),
			util.TruncateRunes(meta.Title, 40),
			infoStyle.Render(strconv.Itoa(meta.MessageCount)+" msgs"))
	}
	return nil
}

func (a *app) cmdSave() error {
	if a.sessions == nil {
		return errors.New("session store is unavailable")
	}
	id, err := a.sessions.Save(a.sess)
	if err != nil {
		return err
	}
	fmt.Println(infoStyle.Render("[saved " + id + "]"))
	return nil
}

func (a *app) cmdLoad(args []string) error {
	if a.sessions == nil {
		return errors.New("session store is unavailable")
	}
	if len(args) == 0 {
		return errors.New("usage: /load <n>")
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.New("usage: /load <n>")
	}
	sess, err := a.sessions.LoadByIndex(idx)
	if err != nil {
		return err
	}
	a.orch.Stop()
	a.sess = sess
	fmt.Println(infoStyle.Render("[loaded " + sess.ID + ": " + sess.GetTitle() + "]"))
	return nil
}

func (a *app) cmdExport(args []string) error {
	path := "session.md"
	if len(args) > 0 {
		path = args[0]
	}
	md := storage.ExportMarkdown(a.sess)
	if err := util.AtomicWriteFile(path, []byte(md), 0644); err != nil {
		return err
	}
	fmt.Println(infoStyle.Render("[exported to " + path + "]"))
	return nil
}
