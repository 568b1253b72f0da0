package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/batchwise/coalesce/internal/coalesce"
	"github.com/batchwise/coalesce/internal/monitoring"
	"github.com/batchwise/coalesce/internal/utils"
)

// maxTrackedCredentials bounds the registry's LRU: a deployment with more
// distinct Vertex AI credentials than this will evict the least recently
// used one's executor, which simply means its next GetToken call builds a
// fresh one.
const maxTrackedCredentials = 256

// tokenRequest is the one coalesce.ScalarExecutor item type shared by every
// concurrent GetToken caller for a given credential. Only the first item
// in a flushed batch is actually used — every caller in the batch wants
// the same credential's token by construction, since each credential gets
// its own named executor.
type tokenRequest struct {
	credentialName  string
	credentialsFile string
	credentialsJSON string
}

// cachedToken represents a cached OAuth2 token with expiry
type cachedToken struct {
	token       *oauth2.Token
	tokenSource oauth2.TokenSource
	expiresAt   time.Time
}

// VertexTokenManager manages OAuth2 tokens for Vertex AI credentials. Many
// callers sharing one credential's expired token used to be coalesced by a
// hand-rolled refreshing map fanning a single response out to waiting
// channels; that coalescing now lives in internal/coalesce, with one
// ScalarExecutor per credential name looked up through a Registry.
type VertexTokenManager struct {
	mu          sync.RWMutex
	tokens      map[string]*cachedToken
	credentials map[string][]byte

	logger              *slog.Logger
	tokenRefresh        time.Duration
	tokenRefreshTimeout time.Duration

	registry *coalesce.Registry
	stopped  atomic.Bool

	// metrics is nil until SetMetrics is called; every use goes through
	// monitoring.Metrics's nil-safe methods so that's a valid steady state.
	metrics *monitoring.Metrics
}

// SetMetrics attaches a monitoring.Metrics collector. Optional: a manager
// with no metrics attached simply skips instrumentation.
func (tm *VertexTokenManager) SetMetrics(m *monitoring.Metrics) {
	tm.metrics = m
}

// NewVertexTokenManager creates a new token manager
func NewVertexTokenManager(logger *slog.Logger) *VertexTokenManager {
	return &VertexTokenManager{
		tokens:              make(map[string]*cachedToken),
		credentials:         make(map[string][]byte),
		logger:              logger,
		tokenRefresh:        5 * time.Minute,
		tokenRefreshTimeout: 30 * time.Second,
		registry:            coalesce.NewRegistry(maxTrackedCredentials),
	}
}

// GetToken returns a valid OAuth2 token for the given credential.
//
// Fast path: returns the cached token if it isn't expiring within the
// refresh window. Slow path: every concurrent caller for the same
// credential that misses the fast path lands in the same named
// coalesce.ScalarExecutor, so a burst of callers triggers exactly one
// refresh instead of one per caller.
func (tm *VertexTokenManager) GetToken(credentialName, credentialsFile, credentialsJSON string) (string, error) {
	if tm.stopped.Load() {
		return "", fmt.Errorf("token manager is stopped")
	}

	if token, ok := tm.cachedValidToken(credentialName); ok {
		tm.metrics.RecordTokenRefresh(credentialName, "hit")
		return token, nil
	}

	exec, err := coalesce.Register(tm.registry, credentialName, coalesce.Options{
		Limit:           4096,
		Window:          10 * time.Millisecond,
		ConcurrentLimit: 1,
		Logger:          tm.logger,
	}, tm.refresh)
	if err != nil {
		return "", fmt.Errorf("vertex token coalescer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), tm.tokenRefreshTimeout)
	defer cancel()

	token, err := exec.Call(ctx, tokenRequest{
		credentialName:  credentialName,
		credentialsFile: credentialsFile,
		credentialsJSON: credentialsJSON,
	})
	if err != nil {
		tm.metrics.RecordTokenRefresh(credentialName, "failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("token refresh timeout")
		}
		return "", err
	}
	return token, nil
}

func (tm *VertexTokenManager) cachedValidToken(credentialName string) (string, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	cached, exists := tm.tokens[credentialName]
	if !exists {
		return "", false
	}
	if utils.NowUTC().Before(cached.expiresAt.Add(-tm.tokenRefresh)) {
		return cached.token.AccessToken, true
	}
	return "", false
}

// refresh is the aggregate body dispatched once per coalesced batch of
// GetToken callers for one credential. All items in reqs describe the same
// credential; only reqs[0] is used.
func (tm *VertexTokenManager) refresh(ctx context.Context, reqs []tokenRequest) (string, error) {
	req := reqs[0]

	tm.mu.RLock()
	cached, exists := tm.tokens[req.credentialName]
	tm.mu.RUnlock()

	if exists {
		token, err := tm.refreshToken(req.credentialName, cached)
		if err == nil {
			return token, nil
		}
		tm.mu.Lock()
		delete(tm.tokens, req.credentialName)
		tm.mu.Unlock()
	}

	return tm.createNewToken(req.credentialName, req.credentialsFile, req.credentialsJSON)
}

func (tm *VertexTokenManager) refreshToken(credentialName string, cached *cachedToken) (string, error) {
	tm.logger.Debug("Refreshing Vertex AI token",
		"credential", credentialName,
		"expires_at", cached.expiresAt,
	)

	newToken, err := tm.tokenFromSource(credentialName, "refresh", cached.tokenSource)
	if err != nil {
		return "", err
	}

	tm.mu.Lock()
	cached.token = newToken
	cached.expiresAt = newToken.Expiry
	tm.mu.Unlock()
	tm.logger.Info("Vertex AI token refreshed",
		"credential", credentialName,
		"expires_at", newToken.Expiry,
	)
	tm.metrics.RecordTokenRefresh(credentialName, "refreshed")
	tm.metrics.UpdateTokenExpiry(credentialName, newToken.Expiry)
	return newToken.AccessToken, nil
}

func (tm *VertexTokenManager) createNewToken(credentialName, credentialsFile, credentialsJSON string) (string, error) {
	tm.logger.Debug("Creating new Vertex AI token", "credential", credentialName)

	credBytes, err := tm.loadCredentials(credentialName, credentialsFile, credentialsJSON)
	if err != nil {
		return "", err
	}

	var serviceAccount map[string]interface{}
	if err := json.Unmarshal(credBytes, &serviceAccount); err != nil {
		return "", fmt.Errorf("invalid service account JSON: %w", err)
	}

	if accountType, ok := serviceAccount["type"].(string); !ok || accountType != "service_account" {
		return "", fmt.Errorf("credentials must be for a service account, got type: %v", serviceAccount["type"])
	}

	creds, err := google.CredentialsFromJSON(
		context.Background(),
		credBytes,
		"https://www.googleapis.com/auth/cloud-platform",
	)
	if err != nil {
		return "", fmt.Errorf("failed to create credentials: %w", err)
	}

	token, err := tm.tokenFromSource(credentialName, "get initial", creds.TokenSource)
	if err != nil {
		return "", err
	}

	tm.mu.Lock()
	tm.tokens[credentialName] = &cachedToken{
		token:       token,
		tokenSource: creds.TokenSource,
		expiresAt:   token.Expiry,
	}
	tm.mu.Unlock()

	tm.logger.Info("Vertex AI token created",
		"credential", credentialName,
		"expires_at", token.Expiry,
	)
	tm.metrics.RecordTokenRefresh(credentialName, "created")
	tm.metrics.UpdateTokenExpiry(credentialName, token.Expiry)

	return token.AccessToken, nil
}

func (tm *VertexTokenManager) tokenFromSource(credentialName, action string, source oauth2.TokenSource) (*oauth2.Token, error) {
	token, err := source.Token()
	if err != nil {
		tm.logger.Error("Failed to "+action+" Vertex AI token",
			"credential", credentialName,
			"error", err,
		)
		return nil, fmt.Errorf("failed to %s token: %w", action, err)
	}

	return token, nil
}

func (tm *VertexTokenManager) loadCredentials(credentialName, credentialsFile, credentialsJSON string) ([]byte, error) {
	tm.mu.RLock()
	if cached, exists := tm.credentials[credentialName]; exists {
		tm.mu.RUnlock()
		tm.logger.Debug("Using cached credentials", "credential", credentialName)
		return cached, nil
	}
	tm.mu.RUnlock()

	var credBytes []byte
	var err error

	if credentialsFile != "" {
		credBytes, err = os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file %s: %w", credentialsFile, err)
		}
		tm.logger.Debug("Loaded credentials from file",
			"credential", credentialName,
			"file", credentialsFile,
		)
	} else if credentialsJSON != "" {
		credBytes = []byte(credentialsJSON)
		tm.logger.Debug("Using credentials from config", "credential", credentialName)
	} else {
		return nil, fmt.Errorf("no credentials provided for %s", credentialName)
	}

	tm.mu.Lock()
	if cached, exists := tm.credentials[credentialName]; exists {
		tm.mu.Unlock()
		return cached, nil
	}
	tm.credentials[credentialName] = credBytes
	tm.mu.Unlock()
	return credBytes, nil
}

// ClearToken removes a token from the cache (useful for testing or manual refresh)
func (tm *VertexTokenManager) ClearToken(credentialName string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.tokens, credentialName)
	tm.logger.Debug("Cleared cached token", "credential", credentialName)
}

// GetTokenExpiry returns the expiry time of a cached token
func (tm *VertexTokenManager) GetTokenExpiry(credentialName string) (time.Time, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if cached, exists := tm.tokens[credentialName]; exists {
		return cached.expiresAt, true
	}
	return time.Time{}, false
}

// Stop gracefully stops the token manager, closing every per-credential
// coalescing executor it has built.
func (tm *VertexTokenManager) Stop() {
	if tm.stopped.CompareAndSwap(false, true) {
		tm.registry.Close()
	}
}
