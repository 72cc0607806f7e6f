package assistant

import (
	"context"
	"strings"

	"github.com/spektr-org/kpitree/query"
)

// Remote asks the assistant of a kpitree server via POST /api/genie.
type Remote struct {
	client *query.Client
}

// NewRemote returns a Remote sharing client's base URL and transport.
func NewRemote(client *query.Client) *Remote {
	return &Remote{client: client}
}

// Ask implements Assistant.
func (r *Remote) Ask(ctx context.Context, q Question) (*Answer, error) {
	if strings.TrimSpace(q.Question) == "" {
		return nil, ErrEmptyQuestion
	}
	if q.Table == "" {
		q.Table = r.client.Table()
	}

	var resp Response
	if err := r.client.PostJSON(ctx, "/api/genie", NewRequest(q), &resp); err != nil {
		return nil, err
	}
	return &Answer{Response: resp.Response, ConversationID: resp.ConversationID}, nil
}
