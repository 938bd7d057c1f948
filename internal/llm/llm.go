package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/pavelanni/examhub/internal/llm/prompts"
	"github.com/pavelanni/examhub/internal/scoring"

	openai "github.com/sashabaranov/go-openai"
)

// maxAudioBytes is the upload limit of the transcription endpoint.
const maxAudioBytes = 25 << 20

// ErrAudioTooLarge is returned for recordings the transcription endpoint
// would reject.
var ErrAudioTooLarge = errors.New("audio file too large")

// gradeResponse is the JSON object the grading prompt asks for.
type gradeResponse struct {
	Score    *float64 `json:"score"`
	Feedback string   `json:"feedback"`
}

// Client wraps an OpenAI-compatible API client. It implements scoring.Provider.
type Client struct {
	api             *openai.Client
	http            *http.Client
	model           string
	transcribeModel string
	variant         prompts.PromptVariant
	maxAudio        int64
}

// Option configures a Client.
type Option func(*Client)

// WithTranscribeModel sets the speech-to-text model. Defaults to whisper-1.
func WithTranscribeModel(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.transcribeModel = name
		}
	}
}

// WithPromptVariant selects the grading prompt. Defaults to standard.
func WithPromptVariant(v prompts.PromptVariant) Option {
	return func(c *Client) { c.variant = v }
}

// WithHTTPClient sets the client used to download audio answers.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string, opts ...Option) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	c := &Client{
		api:             openai.NewClientWithConfig(config),
		http:            http.DefaultClient,
		model:           modelName,
		transcribeModel: openai.Whisper1,
		variant:         prompts.PromptStandard,
		maxAudio:        maxAudioBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ scoring.Provider = (*Client)(nil)

// GradeText asks the model for a band score and feedback. It requests a JSON
// object and falls back to reading a "Score:" marker or wording from the raw
// reply when the model does not comply.
func (c *Client) GradeText(ctx context.Context, req scoring.GradeRequest) (scoring.Assessment, error) {
	systemPrompt, err := prompts.BuildGradePrompt(c.variant, req.Skill, req.Prompt, req.Answer)
	if err != nil {
		return scoring.Assessment{}, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return scoring.Assessment{}, fmt.Errorf("LLM grading API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return scoring.Assessment{}, fmt.Errorf("LLM returned no choices for grading")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "skill", req.Skill, "raw", raw)

	return parseGrade(raw), nil
}

func parseGrade(raw string) scoring.Assessment {
	var gr gradeResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &gr); err == nil && gr.Score != nil {
		return scoring.Assessment{
			Score:    scoring.Clamp(*gr.Score),
			Feedback: strings.TrimSpace(gr.Feedback),
		}
	}
	a := scoring.ExtractScore(raw)
	if a.Heuristic {
		slog.Warn("grading reply had no numeric score, used wording heuristic", "score", a.Score)
	}
	return a
}

// Transcribe downloads the recording at audioURL and converts it to text.
func (c *Client) Transcribe(ctx context.Context, audioURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return "", fmt.Errorf("build audio request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download audio: unexpected status %s", resp.Status)
	}

	if resp.ContentLength > c.maxAudio {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrAudioTooLarge, resp.ContentLength, c.maxAudio)
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, c.maxAudio+1))
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}
	if int64(len(audio)) > c.maxAudio {
		return "", fmt.Errorf("%w: limit %d bytes", ErrAudioTooLarge, c.maxAudio)
	}

	name := path.Base(req.URL.Path)
	if name == "" || name == "/" || name == "." {
		name = "answer.mp3"
	}

	out, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.transcribeModel,
		FilePath: name,
		Reader:   bytes.NewReader(audio),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("transcription API call: %w", err)
	}
	slog.Debug("transcribed audio", "url", audioURL, "chars", len(out.Text))
	return out.Text, nil
}
