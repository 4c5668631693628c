package txbuild

import (
	"github.com/rcrowley/go-metrics"
)

// metrics
var (
	simulateOKMeter   = metrics.NewRegisteredMeter("txbuild/simulate/success", nil)
	simulateFailMeter = metrics.NewRegisteredMeter("txbuild/simulate/failure", nil)
	simulateTimer     = metrics.NewRegisteredTimer("txbuild/simulate/time", nil)
)
