// internal/metrics/metrics.go
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer exports optimizer, pipeline and upload metrics to Prometheus.
// A nil *Observer is valid and records nothing.
type Observer struct {
	stepDuration *prometheus.HistogramVec
	stepFailures *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	bytesSaved   prometheus.Counter
	rejections   *prometheus.CounterVec
	requests     *prometheus.CounterVec
}

// New registers the metrics on reg under namespace. Metrics that are
// already registered are reused.
func New(namespace string, reg prometheus.Registerer) (*Observer, error) {
	if namespace == "" {
		namespace = "photo_optimizer"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error
	o := &Observer{}
	if o.stepDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Time spent in each derivative generation step.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"step"})); err != nil {
		return nil, err
	}
	if o.stepFailures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "step_failures_total",
		Help:      "Derivative generation steps that failed.",
	}, []string{"step"})); err != nil {
		return nil, err
	}
	if o.outcomes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "files_processed_total",
		Help:      "Uploaded files by optimization status.",
	}, []string{"status"})); err != nil {
		return nil, err
	}
	if o.bytesSaved, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_saved_total",
		Help:      "Bytes removed from originals by recompression.",
	})); err != nil {
		return nil, err
	}
	if o.rejections, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_rejections_total",
		Help:      "Uploads refused before storage, by reason.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if o.requests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

// ObserveStep records the duration and result of one optimizer step.
func (o *Observer) ObserveStep(step string, d time.Duration, err error) {
	if o == nil {
		return
	}
	o.stepDuration.WithLabelValues(step).Observe(d.Seconds())
	if err != nil {
		o.stepFailures.WithLabelValues(step).Inc()
	}
}

// ObserveOutcome records the final status of one file.
func (o *Observer) ObserveOutcome(status string, bytesSaved int64) {
	if o == nil {
		return
	}
	o.outcomes.WithLabelValues(status).Inc()
	if bytesSaved > 0 {
		o.bytesSaved.Add(float64(bytesSaved))
	}
}

// ObserveRejection counts an upload refused by validation.
func (o *Observer) ObserveRejection(reason string) {
	if o == nil {
		return
	}
	o.rejections.WithLabelValues(reason).Inc()
}

// ObserveRequest counts one served HTTP request.
func (o *Observer) ObserveRequest(route, method string, code int) {
	if o == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	o.requests.WithLabelValues(route, method, fmt.Sprint(code)).Inc()
}
