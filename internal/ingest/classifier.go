// internal/ingest/classifier.go
package ingest

import (
	"time"

	"harvestry-telemetry/internal/data"
)

const (
	DefaultFutureTolerance  = 5 * time.Minute
	DefaultStaleSourceAfter = 24 * time.Hour
)

// Classifier assigns a quality code to a candidate reading. It is a pure function of
// its inputs and safe for concurrent use.
type Classifier struct {
	FutureTolerance  time.Duration
	StaleSourceAfter time.Duration // 0 disables the stale-source check
}

func NewClassifier(futureTolerance, staleSourceAfter time.Duration) Classifier {
	if futureTolerance <= 0 {
		futureTolerance = DefaultFutureTolerance
	}
	return Classifier{FutureTolerance: futureTolerance, StaleSourceAfter: staleSourceAfter}
}

// Classify checks, in order: malformed value, future timestamp, stale source, valid range.
// stream may be nil, in which case no range check applies.
func (c Classifier) Classify(in data.ReadingInput, stream *data.SensorStream, ingestedAt time.Time) data.QualityCode {
	if !in.Finite() {
		return data.QualityBadMalformed
	}
	if in.SourceTime != nil {
		if in.SourceTime.After(ingestedAt.Add(c.FutureTolerance)) {
			return data.QualityBadFutureTimestamp
		}
		if c.StaleSourceAfter > 0 && ingestedAt.Sub(*in.SourceTime) > c.StaleSourceAfter {
			return data.QualityUncertainStale
		}
	}
	if stream != nil && !stream.InRange(in.Value) {
		return data.QualityBadOutOfRange
	}
	return data.QualityGood
}
