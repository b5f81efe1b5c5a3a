package plugin

import (
	"context"

	"firestige.xyz/meshtap/internal/core"
)

// Reporter receives every pipeline event: decoded messages and decode
// failures. Report may be called from several workers at once.
type Reporter interface {
	Plugin
	Report(ctx context.Context, ev core.Event) error
	Flush(ctx context.Context) error
}
