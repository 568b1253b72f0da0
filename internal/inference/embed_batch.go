// Package inference holds concrete coalesce.VectorExecutor aggregates for
// the two model providers the credential schema supports directly: Gemini
// embeddings through genai, and Anthropic's Message Batches API.
package inference

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/genai"

	"github.com/batchwise/coalesce/internal/auth"
	"github.com/batchwise/coalesce/internal/coalesce"
)

// EmbedRequest is one text to embed, coalesced with others bound for the
// same credential into a single genai batched EmbedContent call.
type EmbedRequest struct {
	Text  string
	Model string
}

// embedder is the slice of genai.Models used to batch-embed text. Narrowed
// to an interface so tests can substitute a fake instead of dialing the
// real API.
type embedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// EmbedBatcher coalesces concurrent embedding requests for one Vertex AI
// credential into genai's batched EmbedContent call: a burst of individual
// Embed calls becomes one request carrying every caller's text.
type EmbedBatcher struct {
	exec *coalesce.VectorExecutor[EmbedRequest, []float32]
}

// NewEmbedBatcher builds a genai-backed VectorExecutor authenticating
// through tokens the shared VertexTokenManager refreshes and coalesces, so
// a burst of EmbedBatchers sharing a credential still shares one token
// refresh as well as one embedding call per window.
func NewEmbedBatcher(opts coalesce.Options, project, location, credentialName, credentialsFile, credentialsJSON string, tokens *auth.VertexTokenManager) (*EmbedBatcher, error) {
	client, err := newGenAIClient(context.Background(), project, location, credentialName, credentialsFile, credentialsJSON, tokens)
	if err != nil {
		return nil, fmt.Errorf("inference: build genai client: %w", err)
	}
	return newEmbedBatcher(opts, client.Models)
}

func newEmbedBatcher(opts coalesce.Options, models embedder) (*EmbedBatcher, error) {
	exec, err := coalesce.NewVector(opts, func(ctx context.Context, reqs []EmbedRequest) ([][]float32, error) {
		return embedBatch(ctx, models, reqs)
	})
	if err != nil {
		return nil, err
	}
	return &EmbedBatcher{exec: exec}, nil
}

// Embed submits one text for embedding and returns its vector once the
// batch it landed in has been dispatched.
func (b *EmbedBatcher) Embed(ctx context.Context, text, model string) ([]float32, error) {
	return b.exec.Call(ctx, EmbedRequest{Text: text, Model: model})
}

// Close stops the batcher's collector goroutine.
func (b *EmbedBatcher) Close() { b.exec.Close() }

// embedBatch is the aggregate body dispatched once per coalesced batch:
// every request in reqs shares one provider, so only the model of the
// first matters for the call itself.
func embedBatch(ctx context.Context, models embedder, reqs []EmbedRequest) ([][]float32, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	model := reqs[0].Model
	contents := make([]*genai.Content, len(reqs))
	for i, r := range reqs {
		contents[i] = genai.NewContentFromText(r.Text, genai.RoleUser)
	}

	resp, err := models.EmbedContent(ctx, model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(resp.Embeddings) != len(reqs) {
		// The VectorExecutor already detects shape violations on its own
		// return slice, but a provider miscount deserves its own message
		// naming the actual counts rather than the generic one.
		return nil, fmt.Errorf("embed content: provider returned %d embeddings for %d requests", len(resp.Embeddings), len(reqs))
	}

	out := make([][]float32, len(reqs))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

func newGenAIClient(ctx context.Context, project, location, credentialName, credentialsFile, credentialsJSON string, tokens *auth.VertexTokenManager) (*genai.Client, error) {
	httpClient := oauth2.NewClient(ctx, &vertexTokenSource{
		manager:         tokens,
		credentialName:  credentialName,
		credentialsFile: credentialsFile,
		credentialsJSON: credentialsJSON,
	})

	return genai.NewClient(ctx, &genai.ClientConfig{
		Project:    project,
		Location:   location,
		Backend:    genai.BackendVertexAI,
		HTTPClient: httpClient,
	})
}

// vertexTokenSource adapts VertexTokenManager.GetToken to oauth2.TokenSource
// so the genai client's transport draws from the same coalesced, cached
// refresh every other consumer of the credential uses, instead of
// maintaining its own.
type vertexTokenSource struct {
	manager         *auth.VertexTokenManager
	credentialName  string
	credentialsFile string
	credentialsJSON string
}

func (s *vertexTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.manager.GetToken(s.credentialName, s.credentialsFile, s.credentialsJSON)
	if err != nil {
		return nil, err
	}
	expiry, _ := s.manager.GetTokenExpiry(s.credentialName)
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer", Expiry: expiry}, nil
}
