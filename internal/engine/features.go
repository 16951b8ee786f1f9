package engine

import (
	"time"

	"sessionguard/internal/model"
)

// Extract builds the feature vector for one evaluation. events must be
// ordered oldest to newest. Rate and interval come from events alone;
// the counters come from rec. It never reads past the slice it is given.
func Extract(events []model.RequestEvent, rec model.SessionRecord, at time.Time, burstRate float64) model.FeatureVector {
	fv := model.FeatureVector{
		TotalRequests: rec.TotalRequests,
		FailedLogins:  rec.FailedLogins,
	}
	if !rec.CreatedAt.IsZero() && at.After(rec.CreatedAt) {
		fv.SessionDuration = at.Sub(rec.CreatedAt).Seconds()
	}
	if len(events) < 2 {
		fv.Insufficient = true
		return fv
	}
	span := events[len(events)-1].Timestamp.Sub(events[0].Timestamp).Seconds()
	if span <= 0 {
		fv.RequestRate = burstRate
	} else {
		fv.RequestRate = float64(len(events)-1) / span
	}
	fv.AvgInterval = meanDelta(events)
	return fv
}

// meanDelta is the running mean of consecutive gaps; out of order pairs
// count as zero.
func meanDelta(events []model.RequestEvent) float64 {
	var (
		n    int
		mean float64
	)
	prev := events[0].Timestamp
	for i := 1; i < len(events); i++ {
		delta := events[i].Timestamp.Sub(prev).Seconds()
		if delta < 0 {
			delta = 0
		}
		n++
		mean += (delta - mean) / float64(n)
		prev = events[i].Timestamp
	}
	return mean
}
