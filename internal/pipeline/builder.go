package pipeline

import (
	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core/decoder"
	"firestige.xyz/meshtap/pkg/plugin"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder with a MeshDecoder.
func NewBuilder() *Builder {
	return &Builder{
		config: Config{
			Workers:    1,
			BufferSize: 1024,
			Decoder:    decoder.NewMeshDecoder(),
		},
	}
}

// FromConfig applies the sizing of the pipeline config section.
func (b *Builder) FromConfig(pc config.PipelineConfig) *Builder {
	b.config.Workers = pc.Workers
	b.config.BufferSize = pc.BufferSize
	b.config.DedupSize = 0
	if pc.Dedup.Enabled {
		b.config.DedupSize = pc.Dedup.Size
	}
	return b
}

// WithWorkers sets the number of workers.
func (b *Builder) WithWorkers(n int) *Builder {
	b.config.Workers = n
	return b
}

// WithBufferSize sets the input channel buffer size.
func (b *Builder) WithBufferSize(size int) *Builder {
	b.config.BufferSize = size
	return b
}

// WithDedup sets the duplicate suppression window; 0 disables it.
func (b *Builder) WithDedup(size int) *Builder {
	b.config.DedupSize = size
	return b
}

// WithDecoder sets the packet decoder.
func (b *Builder) WithDecoder(d decoder.Decoder) *Builder {
	b.config.Decoder = d
	return b
}

// WithDecrypter sets the decryption stage.
func (b *Builder) WithDecrypter(d Decrypter) *Builder {
	b.config.Decrypter = d
	return b
}

// WithReporters sets the reporter chain.
func (b *Builder) WithReporters(reporters ...plugin.Reporter) *Builder {
	b.config.Reporters = reporters
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	return New(b.config)
}
