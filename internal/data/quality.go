// internal/data/quality.go
package data

// QualityCode classifies how far a reading can be trusted.
// Only Good readings feed rule evaluation and anomaly analysis.
type QualityCode string

const (
	QualityGood               QualityCode = "good"
	QualityBadFutureTimestamp QualityCode = "bad_future_timestamp"
	QualityBadOutOfRange      QualityCode = "bad_out_of_range"
	QualityUncertainStale     QualityCode = "uncertain_stale_source"
	QualityBadMalformed       QualityCode = "bad_malformed"
)

func (q QualityCode) IsGood() bool { return q == QualityGood }

// Storable reports whether a reading with this code is persisted for audit.
// Malformed values have nothing meaningful to store.
func (q QualityCode) Storable() bool { return q != QualityBadMalformed }

func (q QualityCode) String() string { return string(q) }
