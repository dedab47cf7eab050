package flow

import (
	"fmt"
	"time"
)

// Monitoring defaults.
const (
	defaultMonitorInterval      = 60 * time.Second
	defaultFailureRateThreshold = 50.0
)

// startMonitor launches the periodic metrics sweep when the global
// monitoring config enables it. The sweep emits HIGH_FAILURE_RATE alerts
// for pairs above the threshold and prunes stale metrics and DLQ items.
func (f *FailureManager) startMonitor() {
	mon := f.defaults.Monitoring
	if mon == nil || !mon.Enabled {
		return
	}

	f.mu.Lock()
	if f.monitorStop != nil {
		f.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	f.monitorStop = stop
	f.mu.Unlock()

	interval := mon.MetricsCollectionInterval.Duration()
	if interval <= 0 {
		interval = defaultMonitorInterval
	}

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-f.clk.After(interval):
				f.sweep()
			}
		}
	}()
}

// stopMonitor halts the sweep goroutine. Safe to call when monitoring never
// started.
func (f *FailureManager) stopMonitor() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.monitorStop != nil {
		close(f.monitorStop)
		f.monitorStop = nil
	}
}

func (f *FailureManager) sweep() {
	f.mu.Lock()

	mon := f.defaults.Monitoring
	now := f.clk.Now()

	threshold := mon.FailureRateThreshold
	if threshold <= 0 {
		threshold = defaultFailureRateThreshold
	}

	// Alert delivery happens after the lock is released; the handler may
	// call back into the executor.
	var alerts []func()
	for key, m := range f.metrics {
		if m.TotalAttempts == 0 {
			continue
		}
		if m.FailureRate >= threshold {
			alerts = append(alerts, f.alertTask(f.defaults, Alert{
				Type:       AlertHighFailureRate,
				WorkflowID: key.workflowID,
				NodeID:     key.nodeID,
				Message: fmt.Sprintf("node %s failure rate %.1f%% exceeds threshold %.1f%%",
					key.nodeID, m.FailureRate, threshold),
				Timestamp: now,
				Details: map[string]any{
					"failure_rate":   m.FailureRate,
					"total_attempts": m.TotalAttempts,
					"total_failures": m.TotalFailures,
				},
			}))
		}
	}

	if retention := mon.RetentionPeriod.Duration(); retention > 0 {
		cutoff := now.Add(-retention)
		for key, m := range f.metrics {
			if m.LastUpdated.Before(cutoff) {
				delete(f.metrics, key)
			}
		}
	}
	if dl := f.defaults.DeadLetter; dl != nil {
		f.dlq.prune(dl.RetentionPeriod.Duration(), now)
	}
	f.mu.Unlock()

	for _, deliver := range alerts {
		deliver()
	}
}
