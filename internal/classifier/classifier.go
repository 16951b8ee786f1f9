// Package classifier adapts an external statistical model to the scoring
// pipeline. The model itself is opaque: it receives a fixed-layout vector and
// answers with the probability that the session is automated.
package classifier

import (
	"context"

	"sessionguard/internal/model"
)

type Classifier interface {
	Predict(ctx context.Context, features []float64) (float64, error)
}

// ClassifierFunc lets a plain function act as a Classifier.
type ClassifierFunc func(ctx context.Context, features []float64) (float64, error)

func (f ClassifierFunc) Predict(ctx context.Context, features []float64) (float64, error) {
	return f(ctx, features)
}

// FeatureNames is the column layout the model was trained on. Encode fills
// the columns in exactly this order.
var FeatureNames = []string{
	"Bwd Header Length",
	"Fwd Packet Length Mean",
	"Fwd Packet Length Max",
	"Packet Length Max",
	"Fwd Packets Length Total",
	"Flow IAT Min",
	"Packet Length Mean",
	"Fwd Packet Length Std",
	"Bwd Packet Length Mean",
	"Fwd Header Length",
	"Packet Length Variance",
	"Init Bwd Win Bytes",
	"Init Fwd Win Bytes",
	"Bwd Packet Length Max",
	"Fwd PSH Flags",
}

// Encode expands a session fingerprint into the flow-level feature space.
// Request counts scale proportionally into the length columns, the mean
// interval fills the IAT slot and the request rate stands in for the
// length deviation. Columns with no session-level analogue are zero.
func Encode(fv model.FeatureVector) []float64 {
	n := float64(fv.TotalRequests)
	rate := fv.RequestRate
	return []float64{
		n * 20,
		n * 30,
		n * 50,
		n * 50,
		n * 100,
		fv.AvgInterval,
		n * 25,
		rate,
		n * 15,
		n * 10,
		rate * rate,
		0,
		0,
		n * 40,
		0,
	}
}
