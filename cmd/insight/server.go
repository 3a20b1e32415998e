package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/soulo/insight/internal/api"
	"github.com/soulo/insight/internal/config"
	"github.com/soulo/insight/internal/consolidate"
	"github.com/soulo/insight/internal/enrich"
	"github.com/soulo/insight/internal/execute"
	"github.com/soulo/insight/internal/ingest"
	"github.com/soulo/insight/internal/llm"
	"github.com/soulo/insight/internal/orchestrate"
	"github.com/soulo/insight/internal/qcache"
	"github.com/soulo/insight/internal/rerank"
	"github.com/soulo/insight/internal/retrieval"
	"github.com/soulo/insight/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the insight server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running insight server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show insight system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP over stdio (for editor and agent integrations)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPStdio()
	},
}

// app holds the wired collaborators shared by the HTTP and MCP surfaces.
type app struct {
	cfg          config.Config
	store        *storage.Store
	vectors      *retrieval.SQLiteStore
	embedder     *retrieval.Embedder
	orchestrator *orchestrate.Orchestrator
	ingestor     *ingest.Ingestor
	worker       *ingest.Worker
	cache        *qcache.Cache
	budget       orchestrate.Budget
}

func buildApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	logger := slog.Default()
	vectors := retrieval.NewSQLiteStore(store.DB())
	embedder := retrieval.NewEmbedder(llm.NewEmbedder(cfg.Embed.BaseURL, cfg.Embed.Model))
	completer := llm.NewClientWithBaseURL(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL)

	engine := execute.NewEngine(vectors, embedder, logger)
	consolidator := consolidate.New(completer, logger)

	rerankTimeout, err := time.ParseDuration(cfg.Rerank.Timeout)
	if err != nil {
		logger.Warn("invalid rerank timeout, using default 2s", "value", cfg.Rerank.Timeout, "error", err)
		rerankTimeout = 2 * time.Second
	}
	reranker := rerank.New(completer, cfg.Rerank.Enabled, rerankTimeout, cfg.Rerank.Threshold, logger)

	cacheTTL, err := time.ParseDuration(cfg.Cache.TTL)
	if err != nil {
		logger.Warn("invalid cache TTL, using default 5m", "value", cfg.Cache.TTL, "error", err)
		cacheTTL = 5 * time.Minute
	}
	cache := qcache.Connect(cfg.Cache.Addr, cacheTTL, logger)

	orchestrator := orchestrate.New(engine, consolidator,
		orchestrate.WithCache(cache),
		orchestrate.WithQueryLog(store),
		orchestrate.WithReranker(reranker),
		orchestrate.WithLogger(logger),
	)

	ingestor := ingest.NewIngestor(store, logger)
	enricher := enrich.New(completer, logger)
	worker := ingest.NewWorker(store, embedder, vectors, enricher, 500*time.Millisecond)

	return &app{
		cfg:          cfg,
		store:        store,
		vectors:      vectors,
		embedder:     embedder,
		orchestrator: orchestrator,
		ingestor:     ingestor,
		worker:       worker,
		cache:        cache,
		budget: orchestrate.Budget{
			MaxLatencyMs: cfg.Query.MaxLatencyMs,
			MaxParallel:  cfg.Query.MaxParallel,
		},
	}, nil
}

func (a *app) close() {
	if err := a.cache.Close(); err != nil {
		slog.Warn("closing cache", "error", err)
	}
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func (a *app) mcpServer() *server.MCPServer {
	return api.NewMCPServer(api.MCPDeps{
		Store:    a.store,
		Runner:   a.orchestrator,
		Ingestor: a.ingestor,
		Embedder: a.embedder,
		Vectors:  a.vectors,
		OwnerID:  a.cfg.Server.Owner,
		Budget:   a.budget,
	})
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// ensureServerToken generates and persists a bearer token on first start.
func ensureServerToken(cfg *config.Config) error {
	if cfg.Server.Token != "" {
		return nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generating server token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := config.SetKey("server.token", token); err != nil {
		return fmt.Errorf("persisting server token: %w", err)
	}
	cfg.Server.Token = token
	slog.Info("generated new API bearer token")
	return nil
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "insight.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "insight version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if err := ensureServerToken(&cfg); err != nil {
		return err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		printWarning("%v; answers will be assembled from raw results", err)
	}

	// Refuse to start twice. The health endpoint is the source of truth; the
	// PID file only names the culprit.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("insight is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("insight is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// Background embed worker.
	go a.worker.Run(ctx)

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:    a.store,
		Runner:   a.orchestrator,
		Ingestor: a.ingestor,
		Vectors:  a.vectors,
		Token:    cfg.Server.Token,
		Budget:   a.budget,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// MCP over streamable HTTP on its own port.
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	mcpSrv := server.NewStreamableHTTPServer(a.mcpServer())
	go func() {
		slog.Info("MCP server listening", "addr", mcpAddr)
		if err := mcpSrv.Start(mcpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("MCP server error", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "insight listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mcpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("MCP shutdown", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}

// runMCPStdio serves the MCP tools over stdio, without the HTTP surface.
// Useful for editor integrations that spawn the process themselves.
func runMCPStdio() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	go a.worker.Run(ctx)

	stdioSrv := server.NewStdioServer(a.mcpServer())
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("insight is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop insight (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to insight (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	embedResp, err := client.Get(cfg.Embed.BaseURL + "/api/version")
	if err != nil {
		printStatus("Embedding", "not reachable at %s", cfg.Embed.BaseURL)
	} else {
		embedResp.Body.Close()
		printStatus("Embedding", "running at %s", cfg.Embed.BaseURL)
	}

	printStatus("Completion model", "%s", cfg.LLM.Model)
	printStatus("Embed model", "%s", cfg.Embed.Model)
	if cfg.Cache.Addr != "" {
		printStatus("Cache", "redis at %s", cfg.Cache.Addr)
	} else {
		printStatus("Cache", "disabled")
	}
	printStatus("Owner", "%s", cfg.Server.Owner)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
