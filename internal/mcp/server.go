// Package mcp provides the MCP server implementation.
// The server requires no database: guidelines come from the YAML catalog
// and tool calls are audited to SQLite.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/immunolab/immunolab-server/internal/audit"
	"github.com/immunolab/immunolab-server/internal/catalog"
	"github.com/immunolab/immunolab-server/internal/config"
	"github.com/immunolab/immunolab-server/pkg/refrange"
)

const (
	serverName    = "immunolab-mcp-server"
	serverVersion = "v0.1.0"
)

// Server exposes the reference evaluator as MCP tools.
type Server struct {
	config     *config.LiteConfig
	mcpServer  *mcp.Server
	catalog    *catalog.Catalog
	evaluator  refrange.Evaluator
	auditStore audit.Store
	recorder   *audit.Recorder
	logger     *logrus.Logger
}

// Option is a functional option for Server.
type Option func(*Server) error

// WithAuditStore sets a custom audit store.
func WithAuditStore(store audit.Store) Option {
	return func(s *Server) error {
		s.auditStore = store
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithCatalog sets a preloaded guideline catalog.
func WithCatalog(c *catalog.Catalog) Option {
	return func(s *Server) error {
		s.catalog = c
		return nil
	}
}

// NewServer creates the MCP server. A missing catalog file is created from
// the embedded sample.
func NewServer(cfg *config.LiteConfig, opts ...Option) (*Server, error) {
	server := &Server{
		config:    cfg,
		logger:    config.NewLogger(cfg.LogLevel, cfg.LogFormat, "stderr"),
		evaluator: refrange.NewEvaluator(cfg.TrendTolerancePercent),
	}

	for _, opt := range opts {
		if err := opt(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if server.catalog == nil {
		created, err := catalog.WriteSample(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		if created {
			server.logger.WithField("path", cfg.CatalogPath).Warn("No guideline catalog found, wrote the sample catalog")
		}
		c, err := catalog.Load(cfg.CatalogPath, server.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load guideline catalog: %w", err)
		}
		server.catalog = c
	}
	for _, w := range server.catalog.Warnings() {
		server.logger.WithField("warning", w).Warn("Guideline catalog warning")
	}

	if server.auditStore == nil {
		store, err := audit.NewSQLiteStore(cfg.AuditDBPath())
		if err != nil {
			return nil, fmt.Errorf("failed to create audit store: %w", err)
		}
		server.auditStore = store
	}
	server.recorder = audit.NewRecorder(server.auditStore, server.logger)

	server.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)
	server.registerTools()

	server.logger.Info("MCP server initialized successfully")
	return server, nil
}

// registerTools registers every tool with the MCP SDK.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_guidelines",
		Description: "List reference guidelines, optionally restricted to one immunoglobulin category (IgA, IgM, IgG, IgG1-IgG4).",
	}, s.handleListGuidelines)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "find_reference_interval",
		Description: "Find the reference interval of a guideline that applies to a patient age in whole years.",
	}, s.handleFindReferenceInterval)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "evaluate_results",
		Description: "Evaluate a series of dated results against a guideline. Returns status and trend per result, newest first.",
	}, s.handleEvaluateResults)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "validate_guideline",
		Description: "Validate a guideline's age groups and ranges, reporting errors, gaps and overlaps.",
	}, s.handleValidateGuideline)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "export_audit_log",
		Description: "Write the audit log of tool calls to a JSON file in the export directory.",
	}, s.handleExportAuditLog)

	s.logger.WithField("tool_count", 5).Info("Successfully registered all tools")
}

// Start runs the server on stdio until ctx is cancelled or the client
// disconnects. When configured, the catalog is reloaded on file changes.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting immunolab MCP server...")

	if s.config.WatchCatalog {
		go func() {
			if err := s.catalog.Watch(ctx, nil); err != nil {
				s.logger.WithError(err).Error("Catalog watcher stopped")
			}
		}()
	}

	return s.Run(ctx, &mcp.StdioTransport{})
}

// Run serves a single session over transport.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	if err := s.mcpServer.Run(ctx, transport); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// Close releases the audit store.
func (s *Server) Close() error {
	if s.auditStore != nil {
		if err := s.auditStore.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close audit store")
			return err
		}
	}
	return nil
}

// Catalog returns the active guideline catalog.
func (s *Server) Catalog() *catalog.Catalog {
	return s.catalog
}
