// Package transcribe submits audio to the remote speech service and
// returns time-aligned transcription results. It is the only package
// that talks to the service; everything above it sees Result values and
// classified errors.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/legiscribe/hearingpipe/internal/apierr"
)

// Model and format identifiers for the speech endpoint.
const (
	// ModelWhisper is the transcription model.
	ModelWhisper = openai.Whisper1

	// maxPromptChars bounds the optional context prompt. The service
	// truncates prompts around 224 tokens; this keeps requests honest.
	maxPromptChars = 800

	// requestTimeout bounds one transcription call including upload.
	requestTimeout = 10 * time.Minute

	// pingTimeout bounds the liveness probe.
	pingTimeout = 30 * time.Second
)

// Segment is one timed span of transcribed speech.
// Start and End are seconds relative to the submitted audio's start.
type Segment struct {
	Start float64 `json:"start_s"`
	End   float64 `json:"end_s"`
	Text  string  `json:"text"`
}

// Result is the service's answer for one submitted audio blob.
type Result struct {
	Text     string
	Segments []Segment
	Duration float64 // seconds of audio the service heard
	Language string
}

// Options configures one transcription request.
type Options struct {
	// Prompt provides context to improve accuracy, e.g. the tail of the
	// previous slice's text so boundary words are recognised.
	Prompt string

	// Language is an optional ISO 639-1 hint; empty means auto-detect.
	Language string
}

// Transcriber submits one audio file to the speech service.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error)
}

// Pinger checks that the speech service is reachable and the credential
// is accepted.
type Pinger interface {
	Ping(ctx context.Context) error
}

// audioAPI is the slice of the OpenAI client this package uses.
// *openai.Client implements it; tests inject mocks.
type audioAPI interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// Compile-time interface compliance checks.
var (
	_ Transcriber = (*Client)(nil)
	_ Pinger      = (*Client)(nil)
	_ audioAPI    = (*openai.Client)(nil)
)

// Client submits audio to an OpenAI-compatible transcription endpoint.
// It performs no retries: the pipeline owns the retry loop so that
// per-attempt state transitions stay observable.
type Client struct {
	api audioAPI
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPI sets the underlying API implementation (for testing).
func WithAPI(api audioAPI) ClientOption {
	return func(c *Client) {
		c.api = api
	}
}

// NewClient creates a Client. The API key is resolved once at
// construction; ErrCredentialMissing is returned when no source
// provides one. baseURL overrides the service endpoint when non-empty.
func NewClient(creds CredentialProvider, baseURL string, opts ...ClientOption) (*Client, error) {
	key, err := creds.APIKey()
	if err != nil {
		return nil, err
	}

	cfg := openai.DefaultConfig(key)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	c := &Client{api: openai.NewClientWithConfig(cfg)}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Transcribe submits one audio file and returns its timed segments.
// Errors are left classifiable by apierr.Classify; the caller decides
// whether to retry.
func (c *Client) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req := openai.AudioRequest{
		Model:    ModelWhisper,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
		Prompt:   truncatePrompt(opts.Prompt),
		Language: opts.Language,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularitySegment,
		},
	}

	resp, err := c.api.CreateTranscription(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("transcription request: %w", err)
	}

	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, Segment{
			Start: s.Start,
			End:   s.End,
			Text:  s.Text,
		})
	}

	return Result{
		Text:     resp.Text,
		Segments: segments,
		Duration: resp.Duration,
		Language: resp.Language,
	}, nil
}

// Ping verifies the endpoint answers an authenticated request.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if _, err := c.api.ListModels(ctx); err != nil {
		if status := statusOf(err); status != 0 {
			return fmt.Errorf("speech service liveness: %w: %v", apierr.Sentinel(status), err)
		}
		return fmt.Errorf("speech service liveness: %w: %v", apierr.ErrNetwork, err)
	}
	return nil
}

// statusOf extracts the HTTP status from a provider error, 0 if none.
func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	return 0
}

// truncatePrompt trims a prompt to the service's accepted length,
// cutting at a rune boundary.
func truncatePrompt(prompt string) string {
	if len(prompt) <= maxPromptChars {
		return prompt
	}
	runes := []rune(prompt)
	if len(runes) > maxPromptChars {
		runes = runes[len(runes)-maxPromptChars:]
	}
	return string(runes)
}
