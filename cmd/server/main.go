// Command server is a demo/integration entrypoint: it loads the aggregate
// configuration, wires the Vertex AI token coalescer, the spend-log
// writer, and the genai/Anthropic batched inference executors, and serves
// a small HTTP surface exercising all of them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/batchwise/coalesce/internal/auth"
	"github.com/batchwise/coalesce/internal/config"
	"github.com/batchwise/coalesce/internal/inference"
	"github.com/batchwise/coalesce/internal/litellmdb/connection"
	"github.com/batchwise/coalesce/internal/litellmdb/models"
	"github.com/batchwise/coalesce/internal/litellmdb/spendlog"
	"github.com/batchwise/coalesce/internal/logger"
	"github.com/batchwise/coalesce/internal/monitoring"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LoggingLevel)
	log.Info("starting batchwise", "version", Version, "commit", Commit, "aggregates", len(cfg.Aggregates), "credentials", len(cfg.Credentials))

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)

	tokens := auth.NewVertexTokenManager(log)
	tokens.SetMetrics(metrics)
	defer tokens.Stop()

	app := &application{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		tokens:  tokens,
		embed:   make(map[string]*inference.EmbedBatcher),
		message: make(map[string]*inference.MessageBatcher),
	}
	if err := app.buildInferenceBatchers(); err != nil {
		log.Error("failed to build inference batchers", "error", err)
		os.Exit(1)
	}
	defer app.closeInferenceBatchers()

	if cfg.LiteLLMDB.Enabled {
		writer, err := app.buildSpendLogWriter()
		if err != nil {
			if cfg.LiteLLMDB.IsRequired {
				log.Error("failed to initialize required spend log writer", "error", err)
				os.Exit(1)
			}
			log.Warn("spend log writer disabled: failed to initialize", "error", err)
		} else {
			app.spendLog = writer
			defer writer.Close()
			go app.reportSpendLogStats()
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Monitoring.HealthCheckPath, app.handleHealthz)
	mux.HandleFunc("/v1/embeddings", app.handleEmbed)
	mux.HandleFunc("/v1/messages", app.handleMessage)
	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("prometheus metrics enabled", "path", "/metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // batched calls (esp. Anthropic) can run long
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		log.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	log.Info("server shutdown complete")
}

// application holds every long-lived component main wires together, keyed
// by credential name where more than one credential of the same provider
// type can be configured.
type application struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *monitoring.Metrics
	tokens  *auth.VertexTokenManager
	embed   map[string]*inference.EmbedBatcher
	message map[string]*inference.MessageBatcher

	spendLog *spendlog.Writer
}

func (a *application) buildInferenceBatchers() error {
	embedOpts, hasEmbedAgg := a.cfg.Aggregates["embeddings"]
	messageOpts, hasMessageAgg := a.cfg.Aggregates["messages"]

	for _, cred := range a.cfg.Credentials {
		switch cred.Type {
		case config.ProviderTypeVertexAI, config.ProviderTypeGenAI:
			if !hasEmbedAgg {
				continue
			}
			batcher, err := inference.NewEmbedBatcher(
				embedOpts.ToOptions("embeddings:"+cred.Name, a.log, a.cfg.Monitoring.PrometheusEnabled),
				cred.ProjectID, cred.Location, cred.Name, cred.CredentialsFile, cred.CredentialsJSON,
				a.tokens,
			)
			if err != nil {
				return fmt.Errorf("embed batcher for %s: %w", cred.Name, err)
			}
			a.embed[cred.Name] = batcher

		case config.ProviderTypeAnthropic:
			if !hasMessageAgg {
				continue
			}
			batcher, err := inference.NewMessageBatcher(
				messageOpts.ToOptions("messages:"+cred.Name, a.log, a.cfg.Monitoring.PrometheusEnabled),
				cred.APIKey, 5*time.Second,
			)
			if err != nil {
				return fmt.Errorf("message batcher for %s: %w", cred.Name, err)
			}
			a.message[cred.Name] = batcher
		}
	}
	return nil
}

func (a *application) closeInferenceBatchers() {
	for _, b := range a.embed {
		b.Close()
	}
	for _, b := range a.message {
		b.Close()
	}
}

func (a *application) buildSpendLogWriter() (*spendlog.Writer, error) {
	dbCfg := &models.Config{
		DatabaseURL:         a.cfg.LiteLLMDB.DatabaseURL,
		MaxConns:            a.cfg.LiteLLMDB.MaxConns,
		MinConns:            a.cfg.LiteLLMDB.MinConns,
		HealthCheckInterval: a.cfg.LiteLLMDB.HealthCheckInterval,
		ConnectTimeout:      a.cfg.LiteLLMDB.ConnectTimeout,
		LogBatchSize:        a.cfg.LiteLLMDB.LogBatchSize,
		LogFlushInterval:    a.cfg.LiteLLMDB.LogFlushInterval,
		LogRetryAttempts:    a.cfg.LiteLLMDB.LogRetryAttempts,
		LogRetryDelay:       a.cfg.LiteLLMDB.LogRetryDelay,
		Logger:              a.log,
	}

	pool, err := connection.NewConnectionPool(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to litellm db: %w", err)
	}

	return spendlog.NewWriter(context.Background(), pool, dbCfg), nil
}

// reportSpendLogStats periodically copies the writer's in-memory DLQ
// counters onto the prometheus gauges/counters monitoring exposes; the
// writer itself stays free of any prometheus dependency.
func (a *application) reportSpendLogStats() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var lastRecovered, lastDropped, lastWritten uint64
	for range ticker.C {
		stats := a.spendLog.Stats()
		a.metrics.UpdateSpendLogDLQDepth(stats.DLQDepth)

		if stats.DLQRecovered > lastRecovered {
			for i := uint64(0); i < stats.DLQRecovered-lastRecovered; i++ {
				a.metrics.RecordSpendLogDLQOutcome("recovered")
			}
			lastRecovered = stats.DLQRecovered
		}
		if stats.DLQDropped > lastDropped {
			for i := uint64(0); i < stats.DLQDropped-lastDropped; i++ {
				a.metrics.RecordSpendLogDLQOutcome("dropped")
			}
			lastDropped = stats.DLQDropped
		}
		if stats.Written > lastWritten {
			a.metrics.RecordSpendLogRowsWritten(int(stats.Written - lastWritten))
			lastWritten = stats.Written
		}
	}
}

func (a *application) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type embedRequestBody struct {
	Credential string `json:"credential"`
	Model      string `json:"model"`
	Input      string `json:"input"`
}

func (a *application) handleEmbed(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var body embedRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, r, body.Credential, http.StatusBadRequest, err, start)
		return
	}

	batcher, ok := a.embed[body.Credential]
	if !ok {
		a.writeError(w, r, body.Credential, http.StatusNotFound, fmt.Errorf("no embedding batcher for credential %q", body.Credential), start)
		return
	}

	vector, err := batcher.Embed(r.Context(), body.Input, body.Model)
	if err != nil {
		a.writeError(w, r, body.Credential, http.StatusBadGateway, err, start)
		return
	}

	a.metrics.RecordRequest(body.Credential, r.URL.Path, http.StatusOK, time.Since(start))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"embedding": vector})
}

type messageRequestBody struct {
	Credential string `json:"credential"`
	Model      string `json:"model"`
	MaxTokens  int64  `json:"max_tokens"`
	Prompt     string `json:"prompt"`
}

func (a *application) handleMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var body messageRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, r, body.Credential, http.StatusBadRequest, err, start)
		return
	}

	batcher, ok := a.message[body.Credential]
	if !ok {
		a.writeError(w, r, body.Credential, http.StatusNotFound, fmt.Errorf("no message batcher for credential %q", body.Credential), start)
		return
	}

	msg, err := batcher.Send(r.Context(), buildMessageRequest(body))
	if err != nil {
		a.writeError(w, r, body.Credential, http.StatusBadGateway, err, start)
		return
	}

	a.metrics.RecordRequest(body.Credential, r.URL.Path, http.StatusOK, time.Since(start))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
}

func (a *application) writeError(w http.ResponseWriter, r *http.Request, credential string, status int, err error, start time.Time) {
	a.metrics.RecordRequest(credential, r.URL.Path, status, time.Since(start))
	http.Error(w, err.Error(), status)
}

func buildMessageRequest(body messageRequestBody) inference.MessageRequest {
	maxTokens := body.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	return inference.MessageRequest{
		Model:     anthropic.Model(body.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(body.Prompt)),
		},
	}
}
