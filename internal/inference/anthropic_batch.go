package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/batchwise/coalesce/internal/coalesce"
)

// MessageRequest is one Anthropic Messages API call, coalesced with others
// into a single Message Batches API submission.
type MessageRequest struct {
	Model     anthropic.Model
	MaxTokens int64
	Messages  []anthropic.MessageParam
	System    []anthropic.TextBlockParam
}

// batchResultEntry is one line of a completed batch's results, flattened
// out of the SDK's streaming response so callers (and tests) don't need
// the concrete stream type.
type batchResultEntry struct {
	customID  string
	message   anthropic.Message
	succeeded bool
}

// messageBatchClient is the slice of the Anthropic Messages Batches API
// MessageBatcher depends on, narrowed to an interface so tests can
// substitute a fake instead of submitting a real batch and waiting on it.
type messageBatchClient interface {
	CreateBatch(ctx context.Context, requests []anthropic.MessageBatchNewParamsRequest) (*anthropic.MessageBatch, error)
	GetBatch(ctx context.Context, batchID string) (*anthropic.MessageBatch, error)
	BatchResults(ctx context.Context, batchID string) ([]batchResultEntry, error)
}

// sdkMessageBatchClient is the real messageBatchClient, backed by
// anthropic-sdk-go.
type sdkMessageBatchClient struct {
	client *anthropic.Client
}

func (c *sdkMessageBatchClient) CreateBatch(ctx context.Context, requests []anthropic.MessageBatchNewParamsRequest) (*anthropic.MessageBatch, error) {
	return c.client.Messages.Batches.New(ctx, anthropic.MessageBatchNewParams{Requests: requests})
}

func (c *sdkMessageBatchClient) GetBatch(ctx context.Context, batchID string) (*anthropic.MessageBatch, error) {
	return c.client.Messages.Batches.Get(ctx, batchID)
}

func (c *sdkMessageBatchClient) BatchResults(ctx context.Context, batchID string) ([]batchResultEntry, error) {
	stream := c.client.Messages.Batches.ResultsStreaming(ctx, batchID)

	var entries []batchResultEntry
	for stream.Next() {
		e := stream.Current()
		entries = append(entries, batchResultEntry{
			customID:  e.CustomID,
			message:   e.Result.Message,
			succeeded: e.Result.Type == anthropic.MessageBatchIndividualResponseResultTypeSucceeded,
		})
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// MessageBatcher coalesces concurrent Messages calls into Anthropic's
// asynchronous Message Batches API: a window of submitters becomes one
// batch submission, polled until every request in it has a result. This
// trades per-call latency (batches can take minutes) for the throughput
// and cost advantage the Batches API gives bulk, non-interactive work.
type MessageBatcher struct {
	exec         *coalesce.VectorExecutor[MessageRequest, anthropic.Message]
	pollInterval time.Duration
}

// NewMessageBatcher builds an Anthropic-backed VectorExecutor. pollInterval
// controls how often an in-flight batch's processing status is checked.
func NewMessageBatcher(opts coalesce.Options, apiKey string, pollInterval time.Duration) (*MessageBatcher, error) {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return newMessageBatcher(opts, &sdkMessageBatchClient{client: &client}, pollInterval)
}

func newMessageBatcher(opts coalesce.Options, client messageBatchClient, pollInterval time.Duration) (*MessageBatcher, error) {
	b := &MessageBatcher{pollInterval: pollInterval}
	exec, err := coalesce.NewVector(opts, func(ctx context.Context, reqs []MessageRequest) ([]anthropic.Message, error) {
		return b.runBatch(ctx, client, reqs)
	})
	if err != nil {
		return nil, err
	}
	b.exec = exec
	return b, nil
}

// Send submits one message request and blocks until the Anthropic batch it
// landed in has completed and this request's result is available.
func (b *MessageBatcher) Send(ctx context.Context, req MessageRequest) (anthropic.Message, error) {
	return b.exec.Call(ctx, req)
}

// Close stops the batcher's collector goroutine.
func (b *MessageBatcher) Close() { b.exec.Close() }

// runBatch is the aggregate body dispatched once per coalesced window:
// every request in reqs is submitted as one Message Batches API call,
// correlated back to its caller by a generated custom_id.
func (b *MessageBatcher) runBatch(ctx context.Context, client messageBatchClient, reqs []MessageRequest) ([]anthropic.Message, error) {
	ids := make([]string, len(reqs))
	requests := make([]anthropic.MessageBatchNewParamsRequest, len(reqs))
	for i, r := range reqs {
		id := uuid.NewString()
		ids[i] = id
		requests[i] = anthropic.MessageBatchNewParamsRequest{
			CustomID: id,
			Params: anthropic.MessageBatchNewParamsRequestParams{
				Model:     r.Model,
				MaxTokens: r.MaxTokens,
				Messages:  r.Messages,
				System:    r.System,
			},
		}
	}

	batch, err := client.CreateBatch(ctx, requests)
	if err != nil {
		return nil, fmt.Errorf("create message batch: %w", err)
	}

	ended, err := b.awaitCompletion(ctx, client, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("await message batch %s: %w", batch.ID, err)
	}
	batch = ended

	results := make(map[string]anthropic.Message, len(reqs))
	entries, err := client.BatchResults(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("read message batch %s results: %w", batch.ID, err)
	}
	for _, e := range entries {
		if e.succeeded {
			results[e.customID] = e.message
		}
	}

	out := make([]anthropic.Message, len(reqs))
	for i, id := range ids {
		msg, ok := results[id]
		if !ok {
			return nil, fmt.Errorf("message batch %s: no result for request %d", batch.ID, i)
		}
		out[i] = msg
	}
	return out, nil
}

// awaitCompletion polls a batch's processing status until it ends,
// respecting ctx cancellation between polls.
func (b *MessageBatcher) awaitCompletion(ctx context.Context, client messageBatchClient, batchID string) (*anthropic.MessageBatch, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		batch, err := client.GetBatch(ctx, batchID)
		if err != nil {
			return nil, fmt.Errorf("poll message batch: %w", err)
		}
		if batch.ProcessingStatus == anthropic.MessageBatchProcessingStatusEnded {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
