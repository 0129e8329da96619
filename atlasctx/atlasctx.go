// Package atlasctx builds the root dependency-injection object: the one
// place in the module that owns configuration, every collaborator client,
// the session store, and hands a fully wired Orchestrator to the caller.
// Nothing here is a package-level singleton; every piece is constructed
// once and threaded through explicitly.
package atlasctx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/go-zookeeper/zk"
	etcdclient "go.etcd.io/etcd/client/v3"

	"github.com/kadirpekel/atlas/approval"
	"github.com/kadirpekel/atlas/config"
	"github.com/kadirpekel/atlas/llm"
	"github.com/kadirpekel/atlas/mcp"
	"github.com/kadirpekel/atlas/orchestrator"
	"github.com/kadirpekel/atlas/persistence"
	"github.com/kadirpekel/atlas/reasoning"
	"github.com/kadirpekel/atlas/retrieval"
	"github.com/kadirpekel/atlas/security"
	"github.com/kadirpekel/atlas/session"
	"github.com/kadirpekel/atlas/tool"
)

// Root owns every long-lived collaborator constructed from configuration.
// Close releases everything that needs releasing (MCP connections, the
// persistence store, the log file). The config loader and its file
// watcher are not owned by Root.
type Root struct {
	Config *config.Config

	Sessions     *session.Store
	MCP          *mcp.Registry
	Broker       *approval.Broker
	Catalog      *tool.Catalog
	Retrieval    *retrieval.Fanout
	Persistence  *persistence.Coordinator
	Orchestrator *orchestrator.Orchestrator

	store    persistence.Store
	closers  []func() error
	logFile  *os.File
}

// Build constructs a Root from a loaded Config and an LLM collaborator
// client (the one genuinely external dependency this module never
// implements itself — see SPEC_FULL.md §6). completion and context are
// optional agentic-loop collaborators and may be nil; completion is only
// used when cfg.Agent.CompletionCheck is set.
func Build(ctx context.Context, cfg *config.Config, llmClient llm.Client, completion reasoning.CompletionChecker, contextInjector reasoning.ContextInjector) (*Root, error) {
	r := &Root{Config: cfg}
	if !cfg.Agent.CompletionCheck {
		completion = nil
	}

	logger, logFile, err := config.Setup(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("set up logging: %w", err)
	}
	_ = logger
	r.logFile = logFile

	r.Sessions = session.NewStore(cfg.Timeouts.SessionIdleTimeout)

	r.MCP = buildMCPRegistry(cfg)
	r.closers = append(r.closers, r.MCP.Close)

	descriptors := descriptorResolver(r.MCP, cfg.ToolPolicies)
	r.Broker = approval.NewBroker()
	r.Catalog = tool.NewCatalog(descriptors)

	r.Retrieval = buildRetrieval(cfg, r.MCP)

	store, err := buildPersistenceStore(ctx, cfg.Persistence)
	if err != nil {
		return nil, fmt.Errorf("build persistence store: %w", err)
	}
	r.store = store
	if closer, ok := store.(interface{ Close() error }); ok {
		r.closers = append(r.closers, closer.Close)
	}
	r.Persistence = persistence.NewCoordinator(store)

	gate := security.FailOpen(security.WithFlags(
		security.NewKeywordGate(cfg.ContentPolicy.BlockedKeywords, cfg.ContentPolicy.WarnKeywords),
		cfg.ContentPolicy.InputCheckEnabled, cfg.ContentPolicy.OutputCheckEnabled,
	))

	r.Orchestrator = &orchestrator.Orchestrator{
		Sessions:    r.Sessions,
		Security:    gate,
		LLM:         llmClient,
		MCP:         r.MCP,
		Broker:      r.Broker,
		Descriptors: descriptors,
		CallTimeout: cfg.Timeouts.MCPCallTimeout,
		Catalog:     r.Catalog,
		Retrieval:   r.Retrieval,
		Persistence: r.Persistence,
		EventBuffer: 64,
		Completion:  completion,
		Context:     contextInjector,
	}

	return r, nil
}

// Close releases every resource Build opened, in reverse order, returning
// the first error encountered (after attempting to close everything).
func (r *Root) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.logFile != nil {
		if err := r.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildMCPRegistry(cfg *config.Config) *mcp.Registry {
	servers := make([]mcp.ServerConfig, len(cfg.MCPServers))
	for i, s := range cfg.MCPServers {
		servers[i] = mcp.ServerConfig{
			Name: s.Name, Transport: s.Transport, Command: s.Command,
			Args: s.Args, Env: s.Env, URL: s.URL,
		}
	}
	return mcp.NewRegistry(servers)
}

// descriptorResolver adapts mcp.Registry.ListTools plus the configured
// tool policies into the (map[string]tool.Descriptor, error) shape both
// the Executor and the Catalog need, keyed by fully-qualified name so the
// two can never drift apart (tool.NewCatalog's own doc comment on this).
func descriptorResolver(client mcp.Client, policies []config.ToolPolicyConfig) func(context.Context) (map[string]tool.Descriptor, error) {
	byFQN := make(map[string]config.ToolPolicyConfig, len(policies))
	for _, p := range policies {
		byFQN[p.Server+"_"+p.Name] = p
	}

	return func(ctx context.Context) (map[string]tool.Descriptor, error) {
		bySvc, err := client.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list MCP tools: %w", err)
		}
		out := make(map[string]tool.Descriptor)
		for server, tools := range bySvc {
			for _, t := range tools {
				fqn := server + "_" + t.Name
				policy := byFQN[fqn]
				out[fqn] = tool.Descriptor{
					Server: server, Name: t.Name, Schema: t.Schema,
					RequiresApproval: policy.RequiresApproval,
					EditAllowed:      policy.EditAllowed,
					AdminRequired:    policy.AdminRequired,
				}
			}
		}
		return out, nil
	}
}

func buildRetrieval(cfg *config.Config, mcpClient mcp.Client) *retrieval.Fanout {
	transports := make(map[string]retrieval.Transport, len(cfg.Retrieval))
	for _, s := range cfg.Retrieval {
		switch s.Transport {
		case "mcp":
			transports[s.ID] = retrieval.NewMCPTransport(mcpClient, s.MCPServer, s.MCPTool, cfg.Timeouts.RetrievalTimeout)
		default:
			transports[s.ID] = retrieval.NewHTTPTransport(s.URL)
		}
	}

	var discoverers []retrieval.Discoverer
	for _, d := range cfg.Discovery {
		disc, err := buildDiscoverer(d)
		if err != nil {
			slog.Error("skipping retrieval discovery provider", "type", d.Type, "error", err)
			continue
		}
		discoverers = append(discoverers, disc)
	}

	return retrieval.NewFanout(cfg.FeatureFlags.RetrievalEnabled, transports, discoverers, cfg.Timeouts.RetrievalTimeout)
}

func buildDiscoverer(cfg config.DiscoveryProviderConfig) (retrieval.Discoverer, error) {
	switch cfg.Type {
	case "consul":
		addr := ""
		if len(cfg.Addrs) > 0 {
			addr = cfg.Addrs[0]
		}
		return retrieval.NewConsulDiscoverer(&consulapi.Config{Address: addr}, cfg.Prefix)
	case "etcd":
		client, err := etcdclient.New(etcdclient.Config{Endpoints: cfg.Addrs, DialTimeout: 5 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("connect etcd: %w", err)
		}
		return retrieval.NewEtcdDiscoverer(client, cfg.Prefix), nil
	case "zookeeper":
		conn, _, err := zk.Connect(cfg.Addrs, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("connect zookeeper: %w", err)
		}
		return retrieval.NewZKDiscoverer(conn, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown discovery provider type %q", cfg.Type)
	}
}

func buildPersistenceStore(ctx context.Context, cfg config.PersistenceConfig) (persistence.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return persistence.NewPostgresStore(ctx, cfg.DSN)
	default:
		path := cfg.DSN
		if path == "" {
			path = "atlas.db"
		}
		return persistence.NewSQLiteStore(ctx, path)
	}
}
