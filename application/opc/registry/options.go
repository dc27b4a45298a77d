package registry

import (
	"pixel-control/application/opc"
	"pixel-control/application/opc/actor/sink"
	"pixel-control/application/opc/actor/source"
	"pixel-control/application/opc/metrics"
)

const (
	DefaultMaxSinks   = 64
	DefaultMaxSources = 64
)

type Options struct {
	// Zero means the default capacity.
	MaxSinks   uint
	MaxSources uint

	Sink   sink.Options
	Source source.Options

	// DefaultPort is used for sink destinations without a port.
	DefaultPort uint16

	// Metrics, when set, overrides Sink.Metrics and Source.Metrics.
	Metrics *metrics.Metrics
}

func DefaultOptions() Options {
	return Options{
		MaxSinks:    DefaultMaxSinks,
		MaxSources:  DefaultMaxSources,
		Sink:        sink.DefaultOptions(),
		DefaultPort: opc.DefaultPort,
	}
}
