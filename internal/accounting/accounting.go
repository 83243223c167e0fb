// Package accounting implements Rate & Progress Accounting (component F):
// per-peer rate aggregation and the uploaded_total / uploaded_notify_delta
// counters that decouple hot-path upload bookkeeping from persistence
// writes.
package accounting

import "sync"

// RateSource is the subset of peer.Peer accounting needs to aggregate
// speeds without importing the peer package directly.
type RateSource interface {
	DownloadRate() float64
	UploadRate() float64
}

// Accounting tracks the monotonic uploaded_total and the notify_delta that
// resets every time it crosses the configured threshold.
type Accounting struct {
	mu            sync.Mutex
	uploadedTotal int64
	notifyDelta   int64
	threshold     int64
	onNotify      []func(delta int64)
}

// New builds an Accounting with the given notify threshold in bytes
// (config.UploadNotifyThreshold in production).
func New(threshold int, startingTotal int64) *Accounting {
	return &Accounting{threshold: int64(threshold), uploadedTotal: startingTotal}
}

// RecordUpload adds n bytes to both counters. Once notify_delta crosses the
// threshold it resets to zero and every OnNotifyThreshold handler fires
// with the bytes accumulated since the last notification.
func (a *Accounting) RecordUpload(n int) {
	a.mu.Lock()
	a.uploadedTotal += int64(n)
	a.notifyDelta += int64(n)
	var fire bool
	var delta int64
	if a.notifyDelta >= a.threshold {
		delta = a.notifyDelta
		a.notifyDelta = 0
		fire = true
	}
	handlers := append([]func(int64){}, a.onNotify...)
	a.mu.Unlock()

	if fire {
		for _, fn := range handlers {
			fn(delta)
		}
	}
}

// UploadedTotal returns the running monotonic upload counter.
func (a *Accounting) UploadedTotal() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uploadedTotal
}

// OnNotifyThreshold registers a handler fired whenever notify_delta crosses
// the threshold — the Coordinator wires this to FileManager.update_upload.
func (a *Accounting) OnNotifyThreshold(fn func(delta int64)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onNotify = append(a.onNotify, fn)
}

// AggregateRates sums instantaneous download/upload rates across the
// active peer set.
func AggregateRates(peers []RateSource) (down, up float64) {
	for _, p := range peers {
		down += p.DownloadRate()
		up += p.UploadRate()
	}
	return down, up
}
