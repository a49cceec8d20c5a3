package connector

import (
	"context"
	"log/slog"
)

// LogConnector writes prompts to the process log. Decisions then arrive
// through the HTTP decision endpoint or the CLI.
type LogConnector struct{}

func NewLogConnector() *LogConnector {
	return &LogConnector{}
}

func (c *LogConnector) Name() string { return "log" }

func (c *LogConnector) SendMessage(ctx context.Context, targetID string, msg Message) error {
	slog.InfoContext(ctx, "connector message", "connector", c.Name(), "target_id", targetID, "text", msg.Text)
	return nil
}
