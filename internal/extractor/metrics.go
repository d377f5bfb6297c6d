package extractor

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
)

var (
	// CallsTotal counts strategy invocations.
	// Labels: strategy, outcome (hit, empty, error)
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scriber",
			Subsystem: "extractor",
			Name:      "calls_total",
			Help:      "Total number of extractor strategy invocations",
		},
		[]string{"strategy", "outcome"},
	)

	// Duration tracks how long a strategy invocation takes.
	Duration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scriber",
			Subsystem: "extractor",
			Name:      "duration_seconds",
			Help:      "Duration of extractor strategy invocations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)
)

func observe(name string, start time.Time, n int, err error) {
	Duration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	outcome := "hit"
	switch {
	case err != nil:
		outcome = "error"
	case n == 0:
		outcome = "empty"
	}
	CallsTotal.WithLabelValues(name, outcome).Inc()
}

// Run invokes s.Extract and records metrics. A panic is returned as an error
// wrapping ErrExtractorFailure.
func Run(s Strategy, in *Input) (results []answer.AnswerResult, err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			results, err = nil, fmt.Errorf("%w: %s panicked: %v", ErrExtractorFailure, s.Name(), p)
		}
		observe(s.Name(), start, len(results), err)
	}()
	return s.Extract(in)
}

// RunRows invokes s.ExtractRows with the same recovery as Run.
func RunRows(s RowStrategy, in *Input) (rows []RowCandidate, err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			rows, err = nil, fmt.Errorf("%w: %s panicked: %v", ErrExtractorFailure, s.Name(), p)
		}
		observe(s.Name(), start, len(rows), err)
	}()
	return s.ExtractRows(in)
}
