package venue

import (
	"context"
	"log/slog"

	"perp-mm/pkg/types"
)

// ExecutionAdapter composes the REST client (mutating calls) with the
// user-stream websocket feed (order/fill events) into a single
// ExecutionPort, mirroring the teacher's split between client.go and
// ws.go for the account-scoped channel.
type ExecutionAdapter struct {
	*Client
	feed *UserFeed
}

// NewExecutionAdapter wires a REST client to its companion user feed.
func NewExecutionAdapter(restBaseURL, wsUserURL, apiKey, apiSecret string, dryRun bool, logger *slog.Logger) *ExecutionAdapter {
	client := NewClient(restBaseURL, apiKey, apiSecret, dryRun, logger)
	feed := NewUserFeed(wsUserURL, client.auth, logger)
	return &ExecutionAdapter{Client: client, feed: feed}
}

func (a *ExecutionAdapter) OrderEvents() <-chan types.OrderAck { return a.feed.OrderEvents() }
func (a *ExecutionAdapter) FillEvents() <-chan types.Fill      { return a.feed.FillEvents() }
func (a *ExecutionAdapter) Errors() <-chan error               { return a.feed.Errors() }

func (a *ExecutionAdapter) Run(ctx context.Context) error {
	return a.feed.Run(ctx)
}

func (a *ExecutionAdapter) Close() error {
	return a.feed.Close()
}
