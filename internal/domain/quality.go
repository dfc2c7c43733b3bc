package domain

import "time"

type QualityTier string

const (
	QualityUnknown QualityTier = ""
	QualityGood    QualityTier = "good"
	QualityFair    QualityTier = "fair"
	QualityPoor    QualityTier = "poor"
)

// Loss thresholds, as fractions of packets expected in one polling interval.
const (
	FairLossThreshold = 0.02
	PoorLossThreshold = 0.05
)

// ClassifyLoss maps a loss ratio to a tier: <2% good, 2-5% fair, >5% poor.
func ClassifyLoss(ratio float64) QualityTier {
	switch {
	case ratio > PoorLossThreshold:
		return QualityPoor
	case ratio >= FairLossThreshold:
		return QualityFair
	default:
		return QualityGood
	}
}

// QualitySample is the latest link measurement. Only the most recent one is kept.
type QualitySample struct {
	Timestamp       time.Time     `json:"timestamp"`
	PacketsLost     int64         `json:"packetsLost"`
	PacketsReceived int64         `json:"packetsReceived"`
	LossRatio       float64       `json:"lossRatio"`
	Jitter          float64       `json:"jitter"`
	RoundTripTime   time.Duration `json:"roundTripTime"`
	Tier            QualityTier   `json:"tier"`
}
