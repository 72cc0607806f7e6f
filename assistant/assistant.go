// Package assistant answers analyst questions about the KPI being explored,
// in the context of the active metric and the drill path.
package assistant

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/spektr-org/kpitree/tree"
)

// ErrEmptyQuestion is returned for blank questions.
var ErrEmptyQuestion = errors.New("assistant: empty question")

// Question is one analyst question with its tree context.
type Question struct {
	Question       string
	Table          string
	Metric         string
	Path           []tree.PathSegment
	ConversationID string
}

// Answer is the assistant's reply. ConversationID threads follow-ups.
type Answer struct {
	Response       string
	ConversationID string
}

// Assistant answers questions.
type Assistant interface {
	Ask(ctx context.Context, q Question) (*Answer, error)
}

// Forgetter is implemented by assistants that keep conversation history.
type Forgetter interface {
	Forget(conversationID string)
}

// ============================================================================
// WIRE FORMAT: POST /api/genie
// ============================================================================

// Segment is a path element on the wire: {"dim": "...", "value": "..."}.
type Segment struct {
	Dim   string `json:"dim"`
	Value string `json:"value"`
}

// Request is the body of POST /api/genie.
type Request struct {
	Question       string    `json:"question"`
	Table          string    `json:"table"`
	KPIMetric      string    `json:"kpi_metric"`
	Path           []Segment `json:"path"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// Response is the reply of POST /api/genie.
type Response struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
}

// NewRequest converts a Question to its wire form.
func NewRequest(q Question) Request {
	path := make([]Segment, len(q.Path))
	for i, seg := range q.Path {
		path[i] = Segment{Dim: seg.Dimension, Value: seg.Value}
	}
	return Request{
		Question:       q.Question,
		Table:          q.Table,
		KPIMetric:      q.Metric,
		Path:           path,
		ConversationID: q.ConversationID,
	}
}

// ToQuestion converts a wire request back into a Question.
func (r Request) ToQuestion() Question {
	path := make([]tree.PathSegment, len(r.Path))
	for i, seg := range r.Path {
		path[i] = tree.PathSegment{Dimension: seg.Dim, Value: seg.Value}
	}
	return Question{
		Question:       r.Question,
		Table:          r.Table,
		Metric:         r.KPIMetric,
		Path:           path,
		ConversationID: r.ConversationID,
	}
}

// QuestionFromSnapshot builds a Question from the tree's current state.
func QuestionFromSnapshot(text, table string, s tree.Snapshot, conversationID string) Question {
	return Question{
		Question:       text,
		Table:          table,
		Metric:         s.Metric,
		Path:           s.Path,
		ConversationID: conversationID,
	}
}

func ensureConversation(id string) string {
	if strings.TrimSpace(id) != "" {
		return id
	}
	return uuid.NewString()
}
