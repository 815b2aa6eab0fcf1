package config

import (
	"github.com/pkg/errors"
)

// Options are the capabilities a pipeline is constructed with. They are fixed for the lifetime of
// the pipeline instead of being probed at runtime.
type Options struct {
	// Visualize writes keypoint and match overlays into DebugDir.
	Visualize bool
	DebugDir  string
}

// Option configures Options.
type Option func(*Options)

// WithVisualize turns on debug overlays written into dir.
func WithVisualize(dir string) Option {
	return func(o *Options) {
		o.Visualize = true
		o.DebugDir = dir
	}
}

// WithDebugDir sets the directory debug artifacts are written to.
func WithDebugDir(dir string) Option {
	return func(o *Options) {
		o.DebugDir = dir
	}
}

// NewOptions applies opts over the zero Options and checks them.
func NewOptions(opts ...Option) (Options, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.Visualize && o.DebugDir == "" {
		return o, errors.New("visualize requires a debug directory")
	}
	return o, nil
}
