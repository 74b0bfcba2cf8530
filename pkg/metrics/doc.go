// Package metrics defines and registers the controller's Prometheus
// metrics: build and worker gauges, queue depth, API request counters
// and latency histograms, dispatch/build/watchdog timing. All metrics
// are registered at package init and exposed via Handler() for
// scraping. NewTimer/ObserveDuration/ObserveDurationVec are the
// standard way to time an operation and record it to a histogram.
package metrics
