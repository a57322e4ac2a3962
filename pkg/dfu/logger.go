package dfu

import (
	"time"

	"github.com/charmbracelet/log"
)

// Logger is the telemetry sink a Device reports into. All methods are
// fire-and-forget: they return nothing, and the Device guards every
// call so a panicking sink cannot abort a transfer in flight.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)

	// Progress receives periodic throughput snapshots during a
	// transfer: bytes moved so far, the expected total (0 when
	// unknown), instantaneous and average KB/s, and the estimated
	// time remaining. Purely observational.
	Progress(done, total int, rate, average float64, eta time.Duration)
}

// defaultLogger routes telemetry to the process-wide charmbracelet
// logger.
type defaultLogger struct{}

func (defaultLogger) Debugf(format string, args ...any) { log.Debugf(format, args...) }
func (defaultLogger) Infof(format string, args ...any)  { log.Infof(format, args...) }
func (defaultLogger) Warnf(format string, args ...any)  { log.Warnf(format, args...) }
func (defaultLogger) Errorf(format string, args ...any) { log.Errorf(format, args...) }

func (defaultLogger) Progress(done, total int, rate, average float64, eta time.Duration) {
	if total > 0 {
		log.Infof("%d/%d bytes (%.1f%%), %.1f KB/s (avg %.1f KB/s), ETA %s",
			done, total, float64(done)*100/float64(total), rate, average, eta.Round(time.Second))
		return
	}
	log.Infof("%d bytes, %.1f KB/s (avg %.1f KB/s)", done, rate, average)
}

// The log helpers below shield the engine from the sink: the Logger
// contract says sinks must not panic, but a broken one still must not
// kill a flash write halfway through.

func (d *Device) logDebugf(format string, args ...any) {
	defer func() { _ = recover() }()
	d.logger().Debugf(format, args...)
}

func (d *Device) logInfof(format string, args ...any) {
	defer func() { _ = recover() }()
	d.logger().Infof(format, args...)
}

func (d *Device) logWarnf(format string, args ...any) {
	defer func() { _ = recover() }()
	d.logger().Warnf(format, args...)
}

func (d *Device) logErrorf(format string, args ...any) {
	defer func() { _ = recover() }()
	d.logger().Errorf(format, args...)
}

func (d *Device) logProgress(done, total int, rate, average float64, eta time.Duration) {
	defer func() { _ = recover() }()
	d.logger().Progress(done, total, rate, average, eta)
}

func (d *Device) logger() Logger {
	if d.Log != nil {
		return d.Log
	}
	return defaultLogger{}
}
