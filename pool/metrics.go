package pool

import (
	"github.com/rcrowley/go-metrics"
)

// metrics
var (
	acquireSuccessMeter  = metrics.NewRegisteredMeter("pool/acquire/success", nil)
	acquireCapacityMeter = metrics.NewRegisteredMeter("pool/acquire/capacity", nil)
	spinRetryMeter       = metrics.NewRegisteredMeter("pool/acquire/spin", nil)
	releaseMeter         = metrics.NewRegisteredMeter("pool/release", nil)
	extendMeter          = metrics.NewRegisteredMeter("pool/extend", nil)
	acquireTimer         = metrics.NewRegisteredTimer("pool/acquire/time", nil)
)
