package fees

import (
	"github.com/rcrowley/go-metrics"
)

// metrics
var (
	budgetRejectMeter = metrics.NewRegisteredMeter("fees/budget/reject", nil)
	recordMeter       = metrics.NewRegisteredMeter("fees/usage/record", nil)
)
