package sink

import (
	"time"

	"pixel-control/application/opc/metrics"
)

type Options struct {
	Timeout TimeoutOptions

	// Metrics is optional.
	Metrics *metrics.Metrics
}

type TimeoutOptions struct {
	// Connect bounds the single connect attempt a send may make.
	Connect time.Duration
	// Write bounds writing one whole frame.
	Write time.Duration
	// RefusedBackoff is slept after a refused connect, so a caller looping on
	// sends does not hammer a server that is down.
	RefusedBackoff time.Duration
}

func DefaultOptions() Options {
	return Options{
		Timeout: TimeoutOptions{
			Connect:        time.Second,
			Write:          time.Second,
			RefusedBackoff: time.Second,
		},
	}
}
