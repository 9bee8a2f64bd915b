package domain

// QualitySample is one periodic snapshot of transport counters.
// Every field is optional: a nil pointer means the transport did not report
// the metric, which is not the same as reporting zero.
type QualitySample struct {
	RoundTripTimeMs *float64
	PacketLossPct   *float64
	JitterMs        *float64
	BitrateKbps     *float64
	FramesPerSecond *float64
}

// QualityLabel is the 5-level category derived from the score.
type QualityLabel string

const (
	QualityExcellent QualityLabel = "excellent"
	QualityGood      QualityLabel = "good"
	QualityMedium    QualityLabel = "medium"
	QualityPoor      QualityLabel = "poor"
	QualityUnknown   QualityLabel = "unknown"
)

// QualityReading is the actionable output of the estimator.
type QualityReading struct {
	Score int
	Label QualityLabel
}
