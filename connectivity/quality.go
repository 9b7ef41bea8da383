package connectivity

import (
	"strings"
	"time"

	"fieldsync/models"
)

// EstimateQuality maps link telemetry to a bandwidth class.
// EffectiveType wins when present, then downlink/RTT, otherwise unknown.
func EstimateQuality(sig Signal) models.Quality {
	if !sig.Online {
		return models.QualityUnknown
	}

	switch strings.ToLower(strings.TrimSpace(sig.EffectiveType)) {
	case "4g", "5g":
		return models.QualityGood
	case "3g":
		return models.QualityModerate
	case "2g", "slow-2g":
		return models.QualityPoor
	}

	if sig.DownlinkMbps > 0 {
		switch {
		case sig.DownlinkMbps >= 5 && (sig.RTT == 0 || sig.RTT < 300*time.Millisecond):
			return models.QualityGood
		case sig.DownlinkMbps >= 1:
			return models.QualityModerate
		default:
			return models.QualityPoor
		}
	}

	if sig.RTT > 0 {
		switch {
		case sig.RTT < 300*time.Millisecond:
			return models.QualityGood
		case sig.RTT < 1500*time.Millisecond:
			return models.QualityModerate
		default:
			return models.QualityPoor
		}
	}

	return models.QualityUnknown
}
