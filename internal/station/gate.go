package station

import (
	"log/slog"

	v16 "github.com/chargefleet/fleetsim/internal/ocpp/v16"
)

// FeatureGate rejects commands whose feature profile is not enabled in the
// station configuration. It has no side effects beyond a warning log.
type FeatureGate struct {
	logger *slog.Logger
}

// NewFeatureGate creates a feature gate.
func NewFeatureGate(logger *slog.Logger) *FeatureGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeatureGate{logger: logger}
}

// Check reports whether the station enables the feature profile the
// command belongs to. On false it logs a warning naming the command and
// the missing profile.
func (g *FeatureGate) Check(s *Station, profile v16.FeatureProfile, command v16.Action) bool {
	if s.HasFeatureProfile(profile) {
		return true
	}

	g.logger.Warn("Command rejected: feature profile not enabled",
		"stationId", s.ID(),
		"command", command,
		"missingProfile", profile,
	)

	return false
}
