package engine

import (
	"context"
	"fmt"

	"github.com/trellis-sandbox/trellis/internal/proc"
)

// ComposeUp starts the compose project in file detached.
func (e *Engine) ComposeUp(ctx context.Context, file string) error {
	if _, err := e.Runner.Run(ctx, e.Cmd.ComposeUp(file), proc.Check); err != nil {
		return fmt.Errorf("compose up failed: %w", err)
	}
	return nil
}

// ComposeDown stops the compose project and removes its volumes and orphans.
func (e *Engine) ComposeDown(ctx context.Context, file string) error {
	if _, err := e.Runner.Run(ctx, e.Cmd.ComposeDown(file), proc.Check); err != nil {
		return fmt.Errorf("compose down failed: %w", err)
	}
	return nil
}

