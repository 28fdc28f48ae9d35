package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/redloop/redloop/internal/models"
)

// AnthropicRunner runs jobs against the Anthropic Messages API. Each Submit
// spawns a goroutine; results are held in memory until polled.
type AnthropicRunner struct {
	api   *anthropic.Client
	model anthropic.Model

	mu   sync.Mutex
	jobs map[string]*Result
}

// NewAnthropicRunner creates a runner with the given API key and model.
func NewAnthropicRunner(apiKey, model string) *AnthropicRunner {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicRunner{
		api:   &client,
		model: anthropic.Model(model),
		jobs:  make(map[string]*Result),
	}
}

// Submit records the job as running and starts the API call in the
// background. The call is detached from the caller's context: the engine does
// not block on job completion, and abandoning the request is the sweep's
// decision, not the transport's.
func (r *AnthropicRunner) Submit(ctx context.Context, req Request) error {
	if req.JobID == "" {
		return fmt.Errorf("submit: missing job id")
	}

	r.mu.Lock()
	if _, exists := r.jobs[req.JobID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("submit: job %s already submitted", req.JobID)
	}
	r.jobs[req.JobID] = &Result{Status: models.JobStatusRunning}
	r.mu.Unlock()

	go r.run(context.WithoutCancel(ctx), req)
	return nil
}

func (r *AnthropicRunner) run(ctx context.Context, req Request) {
	msg, err := r.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: 8192,
		System: []anthropic.TextBlockParam{
			{Text: req.System},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	res := r.jobs[req.JobID]
	if res == nil || res.Status != models.JobStatusRunning {
		// Resolved elsewhere (e.g. cancelled); drop the late result.
		return
	}

	if err != nil {
		res.Status = models.JobStatusFailed
		res.Err = fmt.Sprintf("anthropic API call: %v", err)
		return
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		res.Status = models.JobStatusFailed
		res.Err = "no text content in API response"
		return
	}

	res.Status = models.JobStatusCompleted
	res.Output = text
}

// Status reports the job's current state.
func (r *AnthropicRunner) Status(ctx context.Context, jobID string) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("unknown job: %s", jobID)
	}
	out := *res
	return &out, nil
}

// Cancel marks a running job cancelled on the runner side. There is no
// cooperative signal to the API call; its late result is dropped.
func (r *AnthropicRunner) Cancel(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.jobs[jobID]; ok && res.Status == models.JobStatusRunning {
		res.Status = models.JobStatusCancelled
	}
}
