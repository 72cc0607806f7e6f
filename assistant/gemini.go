package assistant

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/spektr-org/kpitree/schema"
)

// ============================================================================
// GEMINI ASSISTANT: Answers questions via Google Gemini
// ============================================================================
// The prompt carries the dataset schema, the active metric, the drill path
// (as filters) and optional grounding facts. Never raw rows.
//
// Conversations are kept in memory per conversation id so follow-up
// questions see earlier turns.
// ============================================================================

// Defaults for Config.
const (
	DefaultModel    = "gemini-2.5-flash-lite"
	DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta/models"
	DefaultTimeout  = 30 * time.Second

	// maxTurns bounds the history replayed per conversation.
	maxTurns = 20
)

// Config holds Gemini settings.
type Config struct {
	APIKey   string
	Model    string
	Endpoint string
	Timeout  time.Duration
}

// Grounding returns extra facts (current numbers) for a question.
type Grounding func(ctx context.Context, q Question) (string, error)

// Gemini implements Assistant using the Gemini REST API.
type Gemini struct {
	config    Config
	client    *http.Client
	schema    schema.Config
	grounding Grounding
	log       *slog.Logger

	mu            sync.Mutex
	conversations map[string][]geminiContent
}

// GeminiOption configures a Gemini assistant.
type GeminiOption func(*Gemini)

// WithSchema describes the dataset in every prompt.
func WithSchema(sch schema.Config) GeminiOption {
	return func(g *Gemini) { g.schema = sch }
}

// WithGrounding adds facts computed per question to the prompt.
func WithGrounding(fn Grounding) GeminiOption {
	return func(g *Gemini) { g.grounding = fn }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) GeminiOption {
	return func(g *Gemini) {
		if hc != nil {
			g.client = hc
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) GeminiOption {
	return func(g *Gemini) {
		if log != nil {
			g.log = log
		}
	}
}

// NewGemini creates a Gemini assistant.
func NewGemini(cfg Config, opts ...GeminiOption) *Gemini {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	g := &Gemini{
		config:        cfg,
		client:        &http.Client{Timeout: cfg.Timeout},
		log:           slog.Default(),
		conversations: make(map[string][]geminiContent),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ask answers q, continuing its conversation when q.ConversationID is set.
func (g *Gemini) Ask(ctx context.Context, q Question) (*Answer, error) {
	if strings.TrimSpace(q.Question) == "" {
		return nil, ErrEmptyQuestion
	}
	convID := ensureConversation(q.ConversationID)

	// 1. Grounding facts (best effort)
	var facts string
	if g.grounding != nil {
		f, err := g.grounding(ctx, q)
		if err != nil {
			g.log.Warn("grounding failed", "metric", q.Metric, "error", err)
		} else {
			facts = f
		}
	}

	// 2. Prompt + history
	prompt := BuildPrompt(g.schema, q, facts)
	turn := geminiContent{Role: "user", Parts: []geminiPart{{Text: prompt}}}

	g.mu.Lock()
	history := append([]geminiContent(nil), g.conversations[convID]...)
	g.mu.Unlock()

	g.log.Info("assistant question", "conversation", convID, "metric", q.Metric, "path_len", len(q.Path), "question", truncate(q.Question, 80))

	// 3. Call Gemini
	text, err := g.callGemini(ctx, append(history, turn))
	if err != nil {
		return nil, fmt.Errorf("gemini API error: %w", err)
	}

	// 4. Remember the exchange (question only, not the full prompt)
	g.mu.Lock()
	conv := append(g.conversations[convID],
		geminiContent{Role: "user", Parts: []geminiPart{{Text: q.Question}}},
		geminiContent{Role: "model", Parts: []geminiPart{{Text: text}}},
	)
	if len(conv) > maxTurns {
		conv = conv[len(conv)-maxTurns:]
	}
	g.conversations[convID] = conv
	g.mu.Unlock()

	return &Answer{Response: strings.TrimSpace(text), ConversationID: convID}, nil
}

var _ Forgetter = (*Gemini)(nil)

// Forget drops a conversation's history.
func (g *Gemini) Forget(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conversations, conversationID)
}

// ============================================================================
// GEMINI API CALL
// ============================================================================

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// callGemini sends the conversation to the Gemini API and returns the text.
func (g *Gemini) callGemini(ctx context.Context, contents []geminiContent) (string, error) {
	endpoint := fmt.Sprintf("%s/%s:generateContent?key=%s",
		strings.TrimRight(g.config.Endpoint, "/"), g.config.Model, url.QueryEscape(g.config.APIKey))

	jsonBody, err := json.Marshal(geminiRequest{Contents: contents})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return "", fmt.Errorf("failed to parse Gemini response: %w", err)
	}
	if geminiResp.Error != nil {
		return "", fmt.Errorf("gemini error %d: %s", geminiResp.Error.Code, geminiResp.Error.Message)
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini returned empty response")
	}

	var b strings.Builder
	for _, p := range geminiResp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String(), nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
