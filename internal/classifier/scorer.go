package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"sessionguard/internal/config"
	"sessionguard/internal/metrics"
	"sessionguard/internal/model"
)

var (
	ErrMalformedScore = errors.New("classifier returned a score outside [0,1]")
	ErrTimeout        = errors.New("classifier timed out")
)

const breakerName = "classifier"

// Scorer wraps a Classifier with the precondition check, a hard timeout and
// a circuit breaker. It never returns an error: every failure degrades to an
// unavailable score.
type Scorer struct {
	classifier  Classifier
	cb          *gobreaker.CircuitBreaker[float64]
	timeout     atomic.Int64
	minRequests atomic.Int64
	logger      *slog.Logger
}

func NewScorer(c Classifier, cfg config.ClassifierConfig, logger *slog.Logger) *Scorer {
	s := &Scorer{classifier: c, logger: logger}
	s.SetLimits(cfg.Timeout, cfg.MinRequests)
	if c == nil {
		return s
	}
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	s.cb = gobreaker.NewCircuitBreaker[float64](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.Breaker.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.Breaker.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	return s
}

func (s *Scorer) SetLimits(timeout time.Duration, minRequests int) {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	if minRequests <= 0 {
		minRequests = 10
	}
	s.timeout.Store(int64(timeout))
	s.minRequests.Store(int64(minRequests))
}

func (s *Scorer) Score(ctx context.Context, sessionID string, fv model.FeatureVector) model.MLScore {
	if s.classifier == nil {
		return model.MLScore{}
	}
	if int64(fv.TotalRequests) < s.minRequests.Load() {
		metrics.ClassifierRequests.WithLabelValues("skipped").Inc()
		return model.MLScore{}
	}
	p, err := s.cb.Execute(func() (float64, error) {
		return s.predict(ctx, Encode(fv))
	})
	if err != nil {
		result := "failure"
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			result = "rejected"
		case errors.Is(err, ErrTimeout):
			result = "timeout"
		case errors.Is(err, ErrMalformedScore):
			result = "malformed"
		}
		metrics.ClassifierRequests.WithLabelValues(result).Inc()
		if s.logger != nil {
			s.logger.Warn("classifier unavailable, scoring on rules only",
				"session_id", sessionID,
				"stage", "classifier",
				"result", result,
				"err", err,
			)
		}
		return model.MLScore{}
	}
	metrics.ClassifierRequests.WithLabelValues("success").Inc()
	return model.MLScore{Value: p, Available: true}
}

// predict enforces the timeout even when the classifier ignores ctx.
func (s *Scorer) predict(ctx context.Context, features []float64) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout.Load()))
	defer cancel()

	type answer struct {
		p   float64
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- answer{err: fmt.Errorf("classifier panic: %v", r)}
			}
		}()
		p, err := s.classifier.Predict(ctx, features)
		ch <- answer{p, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			if errors.Is(a.err, context.DeadlineExceeded) {
				return 0, fmt.Errorf("%w: %v", ErrTimeout, a.err)
			}
			return 0, a.err
		}
		if math.IsNaN(a.p) || a.p < 0 || a.p > 1 {
			return 0, fmt.Errorf("%w: %v", ErrMalformedScore, a.p)
		}
		return a.p, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("%w after %s", ErrTimeout, time.Duration(s.timeout.Load()))
	}
}

func (s *Scorer) State() string {
	if s.cb == nil {
		return "disabled"
	}
	return s.cb.State().String()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
