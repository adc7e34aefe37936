package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the engine's metric instruments.
type Metrics struct {
	TaskRunsSubmitted   metric.Int64Counter
	FramesDispatched    metric.Int64Counter
	FrameDuration       metric.Float64Histogram
	Suspensions         metric.Int64Counter
	Resumptions         metric.Int64Counter
	LockConflicts       metric.Int64Counter
	FrameFailures       metric.Int64Counter
	PropagationAborts   metric.Int64Counter
	ServiceCallDuration metric.Float64Histogram
	ServiceCallErrors   metric.Int64Counter
	LivenessDispatches  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TaskRunsSubmitted, "stackrun.taskruns.submitted", "Task runs submitted"},
		{&m.FramesDispatched, "stackrun.frames.dispatched", "Frames claimed and executed"},
		{&m.Suspensions, "stackrun.frames.suspensions", "Frames suspended on a child call"},
		{&m.Resumptions, "stackrun.frames.resumptions", "Parent frames resumed by a completed child"},
		{&m.LockConflicts, "stackrun.locks.conflicts", "Dispatch attempts skipped because the chain lock was held"},
		{&m.FrameFailures, "stackrun.frames.failures", "Frames that reached failed"},
		{&m.PropagationAborts, "stackrun.propagation.aborts", "Propagation walks stopped by the cycle or depth guard"},
		{&m.ServiceCallErrors, "stackrun.service.errors", "Service proxy calls that returned an error"},
		{&m.LivenessDispatches, "stackrun.liveness.dispatches", "Dispatch attempts issued by the liveness driver"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.FrameDuration, err = meter.Float64Histogram("stackrun.frame.duration",
		metric.WithDescription("Frame execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ServiceCallDuration, err = meter.Float64Histogram("stackrun.service.duration",
		metric.WithDescription("Service proxy call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
