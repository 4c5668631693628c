package seqcache

import (
	"github.com/rcrowley/go-metrics"
)

// metrics
var (
	hitMeter  = metrics.NewRegisteredMeter("seqcache/hit", nil)
	missMeter = metrics.NewRegisteredMeter("seqcache/miss", nil)
)
