package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vtcode/core/internal/acp"
	"github.com/vtcode/core/internal/mcp"
	"github.com/vtcode/core/internal/mcptools"
	"github.com/vtcode/core/internal/pressure"
	"github.com/vtcode/core/internal/provider"
	"github.com/vtcode/core/internal/registry"
	"github.com/vtcode/core/internal/runloop"
	"github.com/vtcode/core/internal/session"
	"github.com/vtcode/core/internal/shell"
	"github.com/vtcode/core/internal/toolspool"
)

// runACP starts the ACP server on stdio (§6 CLI surface "acp"): it wires
// the Shell, Grep, Read, Edit and TaskTracker mcptools handlers into the
// turn runloop and tool dispatcher (the TUI's WebFetch, WebSearch,
// TodoWrite and SubAgent tools are not registered here), gates mutating
// calls behind session/request_permission,
// and serves JSON-RPC over stdin/stdout until the peer disconnects or the
// process receives SIGINT.
func runACP(args []string) int {
	fs := flag.NewFlagSet("acp", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers := acpProviderRegistry()
	if len(providers.List()) == 0 {
		fmt.Fprintln(os.Stderr, "acp: no provider credentials found in the environment (ANTHROPIC_API_KEY, OPENAI_API_KEY, ...)")
		return 1
	}

	proxy := mcp.NewProxy(nil)
	sh := shell.New("", shell.DefaultBlockFuncs())
	shellHandler := mcptools.NewShellHandler(sh, nil)
	proxy.RegisterTool(mcptools.NewShellTool(), shellHandler.Handle)
	proxy.RegisterTool(mcptools.NewGrepTool(), mcptools.MakeGrepHandler())

	readHandler := mcptools.NewReadHandler(mcptools.NewFileReadTracker(), nil)
	proxy.RegisterTool(mcptools.NewReadTool(), readHandler.Handle)
	editHandler := mcptools.NewEditHandler(mcptools.NewFileReadTracker(), nil, nil)
	proxy.RegisterTool(mcptools.NewEditTool(), editHandler.Handle)

	// Read/Edit default to local disk; fileAccessor overrides that with an
	// fs/read_text_file + fs/write_text_file forward to the client once
	// agent.CapabilitiesFor exists below, so Read/Edit cooperate with a
	// client's open editor buffer (§4.6) whenever the connected client
	// advertised that capability.

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	shellHandler.SetSpooler(toolspool.New(cwd))
	taskHandler := mcptools.NewTaskTrackerHandler(cwd)
	proxy.RegisterTool(mcptools.NewTaskTrackerTool(), taskHandler.Handle)

	tools, err := proxy.ListTools(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "acp: failed to list tools: %v\n", err)
		tools = nil
	}

	unrouted := registry.NewDispatcher(proxy)
	gated := acp.NewPermissionGatedProxy(proxy, unrouted, nil)
	dispatcher := registry.NewDispatcher(gated)

	promptCache := session.NewPromptCache()
	rl := runloop.New(providers, dispatcher, promptCache)

	agent := acp.NewAgent(rl, dispatcher, toProviderTools(tools))

	fileAccessor := acp.NewClientFileAccessor(agent.CapabilitiesFor)
	readHandler.SetFileAccessor(fileAccessor)
	editHandler.SetFileAccessor(fileAccessor)
	agent.NotifierTargets = []acp.NotifierSetter{gated, fileAccessor}

	monitor := pressure.NewMonitor(30*time.Second, func(s pressure.Sample) {
		if s.Level >= pressure.Elevated {
			log.Warn().Str("level", s.Level.String()).Uint64("rss_bytes", s.RSSBytes).Msg("acp: elevated memory pressure")
		}
	})
	go monitor.Run(ctx)

	err = acp.Serve(ctx, agent, stdioReadWriteCloser{})
	if err != nil && ctx.Err() != nil {
		return 130
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "acp: %v\n", err)
		return 1
	}
	return 0
}

// stdioReadWriteCloser adapts os.Stdin/os.Stdout into the single
// io.ReadWriteCloser the JSON-RPC transport wants, with Close closing
// stdout only (closing stdin from within the process the shell still
// owns would be surprising).
type stdioReadWriteCloser struct{}

func (stdioReadWriteCloser) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioReadWriteCloser) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioReadWriteCloser) Close() error                { return os.Stdout.Close() }

// acpProviderRegistry builds a provider registry from environment
// variables (§6 "Environment variables"), rather than the TOML config the
// TUI path reads, since an ACP client launches the agent directly without
// a terminal to configure one interactively.
func acpProviderRegistry() *provider.Registry {
	cfg := make(map[string]provider.ProviderConfig)
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg["anthropic"] = provider.ProviderConfig{Name: "anthropic", APIKey: key}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg["openai"] = provider.ProviderConfig{Name: "openai", APIKey: key}
	}
	if endpoint := os.Getenv("VTCODE_OLLAMA_ENDPOINT"); endpoint != "" {
		cfg["ollama"] = provider.ProviderConfig{Name: "ollama", Endpoint: endpoint}
	}
	return provider.NewDefaultRegistry(cfg)
}

func toProviderTools(tools []mcp.Tool) []provider.Tool {
	out := make([]provider.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, provider.Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	return out
}
