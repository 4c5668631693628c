package gateway

import (
	"github.com/rcrowley/go-metrics"
)

// metrics
var (
	handleTimer  = metrics.NewRegisteredTimer("gateway/handle", nil)
	successMeter = metrics.NewRegisteredMeter("gateway/handle/success", nil)
	failureMeter = metrics.NewRegisteredMeter("gateway/handle/failure", nil)

	readonlyMeter = metrics.NewRegisteredMeter("gateway/readonly", nil)

	submitTimer          = metrics.NewRegisteredTimer("gateway/submit", nil)
	submitConfirmedMeter = metrics.NewRegisteredMeter("gateway/submit/confirmed", nil)
	submitFailedMeter    = metrics.NewRegisteredMeter("gateway/submit/failed", nil)
	waitTimeoutMeter     = metrics.NewRegisteredMeter("gateway/submit/timeout", nil)
)
