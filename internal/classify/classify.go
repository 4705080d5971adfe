// Package classify maps an occupancy count to a gate status tier.
package classify

import (
	"math"

	"crowdgate/internal/model"
)

// ratioEpsilon absorbs float error in capacity*ratio so a product that is a
// whole number in decimal is not pushed up to the next count.
const ratioEpsilon = 1e-9

// WarningThreshold is the smallest count that classifies as warning.
func WarningThreshold(capacity int, warningRatio float64) int {
	return int(math.Ceil(float64(capacity)*warningRatio - ratioEpsilon))
}

// Classify assumes count >= 0; rules are evaluated in order and the first match wins.
func Classify(connected bool, count, capacity int, warningRatio float64) model.GateStatus {
	if !connected {
		return model.StatusDisconnected
	}
	if count >= capacity {
		return model.StatusOvercrowded
	}
	if count >= WarningThreshold(capacity, warningRatio) {
		return model.StatusWarning
	}
	return model.StatusNormal
}

// Gate classifies against a configured gate.
func Gate(g model.Gate, connected bool, count int) model.GateStatus {
	return Classify(connected, count, g.Capacity, g.WarningRatio)
}
