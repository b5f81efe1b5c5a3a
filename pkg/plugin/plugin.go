// Package plugin defines the plugin lifecycle and the reporter extension
// point through which decoded messages leave the pipeline.
package plugin

import "context"

// Plugin is the base interface for all plugins.
type Plugin interface {
	Name() string
	Init(cfg map[string]any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
