package source

import "pixel-control/application/opc/metrics"

type Options struct {
	// Metrics is optional.
	Metrics *metrics.Metrics
}
