package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sessionguard/internal/config"
	"sessionguard/internal/model"
)

func testClassifierConfig() config.ClassifierConfig {
	cfg := config.DefaultConfig().Classifier
	cfg.Timeout = 50 * time.Millisecond
	cfg.Breaker.MinRequests = 3
	cfg.Breaker.FailureRatio = 0.5
	cfg.Breaker.Timeout = time.Minute
	return cfg
}

func fixed(p float64, err error) Classifier {
	return ClassifierFunc(func(context.Context, []float64) (float64, error) { return p, err })
}

func TestEncodeLayout(t *testing.T) {
	fv := model.FeatureVector{RequestRate: 4, AvgInterval: 0.25, TotalRequests: 10}
	got := Encode(fv)
	require.Len(t, got, len(FeatureNames))
	require.Equal(t, 200.0, got[0])
	require.Equal(t, 1000.0, got[4])
	require.Equal(t, 0.25, got[5])
	require.Equal(t, 4.0, got[7])
	require.Equal(t, 16.0, got[10])
	require.Equal(t, 0.0, got[14])
}

func TestScoreBelowMinRequestsIsUnavailable(t *testing.T) {
	var calls atomic.Int32
	c := ClassifierFunc(func(context.Context, []float64) (float64, error) {
		calls.Add(1)
		return 0.99, nil
	})
	s := NewScorer(c, testClassifierConfig(), nil)
	got := s.Score(context.Background(), "s1", model.FeatureVector{TotalRequests: 9})
	require.False(t, got.Available)
	require.Equal(t, 0.0, got.Effective())
	require.Equal(t, int32(0), calls.Load())
}

func TestScoreReturnsProbability(t *testing.T) {
	s := NewScorer(fixed(0.72, nil), testClassifierConfig(), nil)
	got := s.Score(context.Background(), "s1", model.FeatureVector{TotalRequests: 10})
	require.True(t, got.Available)
	require.InDelta(t, 0.72, got.Value, 1e-9)
}

func TestScoreNilClassifier(t *testing.T) {
	s := NewScorer(nil, testClassifierConfig(), nil)
	require.False(t, s.Score(context.Background(), "s1", model.FeatureVector{TotalRequests: 50}).Available)
	require.Equal(t, "disabled", s.State())
}

func TestScoreDegradesOnFailure(t *testing.T) {
	cases := map[string]Classifier{
		"error":     fixed(0, errors.New("model not loaded")),
		"nan":       fixed(math.NaN(), nil),
		"above one": fixed(1.3, nil),
		"negative":  fixed(-0.1, nil),
		"panic": ClassifierFunc(func(context.Context, []float64) (float64, error) {
			panic("boom")
		}),
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			s := NewScorer(c, testClassifierConfig(), nil)
			got := s.Score(context.Background(), "s1", model.FeatureVector{TotalRequests: 20})
			require.False(t, got.Available)
		})
	}
}

func TestScoreTimesOutWhenClassifierIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := ClassifierFunc(func(context.Context, []float64) (float64, error) {
		<-release
		return 0.9, nil
	})
	s := NewScorer(c, testClassifierConfig(), nil)
	start := time.Now()
	got := s.Score(context.Background(), "s1", model.FeatureVector{TotalRequests: 20})
	require.False(t, got.Available)
	require.Less(t, time.Since(start), time.Second)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	c := ClassifierFunc(func(context.Context, []float64) (float64, error) {
		calls.Add(1)
		return 0, errors.New("unavailable")
	})
	s := NewScorer(c, testClassifierConfig(), nil)
	for i := 0; i < 3; i++ {
		s.Score(context.Background(), "s1", model.FeatureVector{TotalRequests: 20})
	}
	require.Equal(t, "open", s.State())
	s.Score(context.Background(), "s1", model.FeatureVector{TotalRequests: 20})
	require.Equal(t, int32(3), calls.Load())
}

func TestHTTPClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req predictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Features) != len(FeatureNames) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]float64{"probability": 0.31})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, time.Second)
	p, err := c.Predict(context.Background(), Encode(model.FeatureVector{TotalRequests: 12}))
	require.NoError(t, err)
	require.InDelta(t, 0.31, p, 1e-9)
}

func TestHTTPClassifierMissingProbability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"label":"bot"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClassifier(srv.URL, time.Second).Predict(context.Background(), make([]float64, len(FeatureNames)))
	require.ErrorIs(t, err, ErrMalformedScore)
}
