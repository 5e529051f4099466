package outbound

import (
	"context"
	"time"
)

// MetricsRecorder records consumer loop metrics without tying the loop to a
// specific telemetry implementation.
type MetricsRecorder interface {
	// RecordPoll records one receive call. status is "ok", "empty",
	// "error_code", "send_failure" or "error".
	RecordPoll(ctx context.Context, status string, messages int)

	// RecordHandler records how long the user handler took. status is "ok" or "error".
	RecordHandler(ctx context.Context, duration time.Duration, status string)

	// RecordDelete records one delete call. status is "ok" or "error".
	RecordDelete(ctx context.Context, status string)

	// RecordPollingDelay records the delay armed before the next poll.
	RecordPollingDelay(ctx context.Context, delay time.Duration)
}

// NopMetrics discards everything.
type NopMetrics struct{}

var _ MetricsRecorder = NopMetrics{}

func (NopMetrics) RecordPoll(context.Context, string, int)              {}
func (NopMetrics) RecordHandler(context.Context, time.Duration, string) {}
func (NopMetrics) RecordDelete(context.Context, string)                 {}
func (NopMetrics) RecordPollingDelay(context.Context, time.Duration)    {}
