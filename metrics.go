package main

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// HTTP metrics
var (
	httpRequestsTotal atomic.Int64
	httpErrorsTotal   atomic.Int64
)

// Registration metrics
var (
	registrationsTotal   atomic.Int64
	unregistrationsTotal atomic.Int64
)

// Push pipeline metrics
var (
	notifySignalsTotal atomic.Int64
	pushSentTotal      atomic.Int64
	pushFailedTotal    atomic.Int64
	pushDroppedTotal   atomic.Int64
)

// IncrementPushSent increments the sent-push counter
func IncrementPushSent() {
	pushSentTotal.Add(1)
}

// IncrementPushFailed increments the failed-push counter
func IncrementPushFailed() {
	pushFailedTotal.Add(1)
}

// IncrementPushDropped increments the dropped-push counter
func IncrementPushDropped() {
	pushDroppedTotal.Add(1)
}

// metricsHandler serves Prometheus-compatible metrics
func (app *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Build info metric
	fmt.Fprintf(w, "# HELP mostro_push_build_info Build and configuration information\n")
	fmt.Fprintf(w, "# TYPE mostro_push_build_info gauge\n")
	fmt.Fprintf(w, "mostro_push_build_info{version=%q,go_version=%q} 1\n\n", version, runtime.Version())

	// Process metrics
	fmt.Fprintf(w, "# HELP process_start_time_seconds Unix timestamp of process start\n")
	fmt.Fprintf(w, "# TYPE process_start_time_seconds gauge\n")
	fmt.Fprintf(w, "process_start_time_seconds %d\n\n", app.startTime.Unix())

	fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
	fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
	fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(app.startTime).Seconds())

	// Go runtime metrics
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Currently allocated memory in bytes\n")
	fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n\n", memStats.Alloc)

	fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total memory obtained from the OS\n")
	fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_sys_bytes %d\n\n", memStats.Sys)

	// HTTP metrics
	fmt.Fprintf(w, "# HELP http_requests_total Total number of HTTP requests\n")
	fmt.Fprintf(w, "# TYPE http_requests_total counter\n")
	fmt.Fprintf(w, "http_requests_total %d\n\n", httpRequestsTotal.Load())

	fmt.Fprintf(w, "# HELP http_errors_total Total number of HTTP 5xx errors\n")
	fmt.Fprintf(w, "# TYPE http_errors_total counter\n")
	fmt.Fprintf(w, "http_errors_total %d\n\n", httpErrorsTotal.Load())

	// Registration metrics
	fmt.Fprintf(w, "# HELP mostro_push_registrations_total Total token registrations accepted\n")
	fmt.Fprintf(w, "# TYPE mostro_push_registrations_total counter\n")
	fmt.Fprintf(w, "mostro_push_registrations_total %d\n\n", registrationsTotal.Load())

	fmt.Fprintf(w, "# HELP mostro_push_unregistrations_total Total tokens unregistered\n")
	fmt.Fprintf(w, "# TYPE mostro_push_unregistrations_total counter\n")
	fmt.Fprintf(w, "mostro_push_unregistrations_total %d\n\n", unregistrationsTotal.Load())

	if app.registry != nil {
		stats := app.registry.Stats()
		fmt.Fprintf(w, "# HELP mostro_push_tokens_registered Registered device tokens by platform\n")
		fmt.Fprintf(w, "# TYPE mostro_push_tokens_registered gauge\n")
		fmt.Fprintf(w, "mostro_push_tokens_registered{platform=\"android\"} %d\n", stats.Android)
		fmt.Fprintf(w, "mostro_push_tokens_registered{platform=\"ios\"} %d\n\n", stats.IOS)
	}

	// Relay listener metrics
	if app.listener != nil {
		ls := app.listener.Stats()
		fmt.Fprintf(w, "# HELP nostr_relay_connections_active Number of connected relays\n")
		fmt.Fprintf(w, "# TYPE nostr_relay_connections_active gauge\n")
		fmt.Fprintf(w, "nostr_relay_connections_active %d\n\n", ls.Connected)

		fmt.Fprintf(w, "# HELP nostr_relay_reconnects_total Relay reconnection attempts\n")
		fmt.Fprintf(w, "# TYPE nostr_relay_reconnects_total counter\n")
		fmt.Fprintf(w, "nostr_relay_reconnects_total %d\n\n", ls.Reconnects)

		fmt.Fprintf(w, "# HELP nostr_events_received_total Events received from relays\n")
		fmt.Fprintf(w, "# TYPE nostr_events_received_total counter\n")
		fmt.Fprintf(w, "nostr_events_received_total %d\n\n", ls.EventsReceived)

		fmt.Fprintf(w, "# HELP nostr_events_deduped_total Events skipped as cross-relay duplicates\n")
		fmt.Fprintf(w, "# TYPE nostr_events_deduped_total counter\n")
		fmt.Fprintf(w, "nostr_events_deduped_total %d\n\n", ls.EventsDeduped)

		fmt.Fprintf(w, "# HELP nostr_events_delivered_total Events handed to the batch scheduler\n")
		fmt.Fprintf(w, "# TYPE nostr_events_delivered_total counter\n")
		fmt.Fprintf(w, "nostr_events_delivered_total %d\n\n", ls.EventsDelivered)

		fmt.Fprintf(w, "# HELP nostr_events_dropped_total Events dropped before delivery\n")
		fmt.Fprintf(w, "# TYPE nostr_events_dropped_total counter\n")
		fmt.Fprintf(w, "nostr_events_dropped_total %d\n\n", ls.EventsDropped)
	}

	// Batch scheduler metrics
	if app.scheduler != nil {
		fmt.Fprintf(w, "# HELP mostro_push_batch_windows_active Open batching windows\n")
		fmt.Fprintf(w, "# TYPE mostro_push_batch_windows_active gauge\n")
		fmt.Fprintf(w, "mostro_push_batch_windows_active %d\n\n", app.scheduler.ActiveWindows())
	}

	fmt.Fprintf(w, "# HELP mostro_push_notify_signals_total Batch windows that fired a notify signal\n")
	fmt.Fprintf(w, "# TYPE mostro_push_notify_signals_total counter\n")
	fmt.Fprintf(w, "mostro_push_notify_signals_total %d\n\n", notifySignalsTotal.Load())

	// Delivery metrics
	fmt.Fprintf(w, "# HELP mostro_push_sent_total Push notifications delivered\n")
	fmt.Fprintf(w, "# TYPE mostro_push_sent_total counter\n")
	fmt.Fprintf(w, "mostro_push_sent_total %d\n\n", pushSentTotal.Load())

	fmt.Fprintf(w, "# HELP mostro_push_failed_total Push notifications that failed to deliver\n")
	fmt.Fprintf(w, "# TYPE mostro_push_failed_total counter\n")
	fmt.Fprintf(w, "mostro_push_failed_total %d\n\n", pushFailedTotal.Load())

	fmt.Fprintf(w, "# HELP mostro_push_dropped_total Notify signals dropped with no deliverable token\n")
	fmt.Fprintf(w, "# TYPE mostro_push_dropped_total counter\n")
	fmt.Fprintf(w, "mostro_push_dropped_total %d\n", pushDroppedTotal.Load())
}
