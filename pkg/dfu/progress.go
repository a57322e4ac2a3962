package dfu

import "time"

// progressReportInterval is the minimum spacing between throughput
// reports during a transfer.
const progressReportInterval = time.Second

// progressTracker accumulates throughput figures for a transfer and
// forwards them to the device's telemetry sink at a bounded rate.
// It is observational only; transfer correctness never depends on it.
type progressTracker struct {
	dev   *Device
	total int

	start      time.Time
	lastReport time.Time
	lastBytes  int
}

func newProgressTracker(dev *Device, total int) *progressTracker {
	now := time.Now()
	return &progressTracker{dev: dev, total: total, start: now, lastReport: now}
}

// update reports the transfer position, rate-limited to one report per
// progressReportInterval. Initial and final positions always report.
func (p *progressTracker) update(done int) {
	now := time.Now()
	final := p.total > 0 && done >= p.total
	if !final && done != 0 && now.Sub(p.lastReport) < progressReportInterval {
		return
	}

	var rate, average float64
	if window := now.Sub(p.lastReport).Seconds(); window > 0 {
		rate = float64(done-p.lastBytes) / window / 1024
	}
	if elapsed := now.Sub(p.start).Seconds(); elapsed > 0 {
		average = float64(done) / elapsed / 1024
	}

	var eta time.Duration
	if average > 0 && p.total > done {
		eta = time.Duration(float64(p.total-done) / (average * 1024) * float64(time.Second))
	}

	p.dev.logProgress(done, p.total, rate, average, eta)
	p.lastReport = now
	p.lastBytes = done
}
