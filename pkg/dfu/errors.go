package dfu

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDisconnected marks transfer failures caused by the device leaving
// the bus. During manifestation and the post-download reset this is
// the expected signature of a device rebooting into new firmware.
var ErrDisconnected = errors.New("device disconnected")

// RequestError wraps a failed control transfer with the DFU request
// name and wValue that produced it.
type RequestError struct {
	Request string
	Value   uint16
	Err     error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("dfu: %s (wValue=0x%04X) failed: %v", e.Request, e.Value, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// StatusError reports that the device completed a transfer cycle but
// GETSTATUS returned a non-OK status code. It distinguishes "device
// rejected the operation" from "transport failed".
type StatusError struct {
	State  State
	Status uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dfu: device reported state=%s status=%s", e.State, statusCodeString(e.Status))
}

// isDisconnectError reports whether err looks like the device dropped
// off the bus. Besides the transport's own sentinel it matches the
// error text WebUSB-era tooling produces, so simulated and bridged
// transports behave the same way.
func isDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDisconnected) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"NetworkError", "NotFoundError", "no such device", "disconnected"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
