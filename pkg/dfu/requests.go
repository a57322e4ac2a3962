package dfu

import (
	"fmt"
	"time"
)

// DFU class request codes (USB DFU 1.1, table 3.2)
const (
	RequestDetach    = 0x00
	RequestDnload    = 0x01
	RequestUpload    = 0x02
	RequestGetStatus = 0x03
	RequestClrStatus = 0x04
	RequestGetState  = 0x05
	RequestAbort     = 0x06
)

var requestNames = map[uint8]string{
	RequestDetach:    "DFU_DETACH",
	RequestDnload:    "DFU_DNLOAD",
	RequestUpload:    "DFU_UPLOAD",
	RequestGetStatus: "DFU_GETSTATUS",
	RequestClrStatus: "DFU_CLRSTATUS",
	RequestGetState:  "DFU_GETSTATE",
	RequestAbort:     "DFU_ABORT",
}

// State is a DFU interface state as reported by GETSTATE/GETSTATUS
// (USB DFU 1.1, section 6.1.2).
type State uint8

const (
	StateAppIdle              State = 0
	StateAppDetach            State = 1
	StateDfuIdle              State = 2
	StateDfuDnloadSync        State = 3
	StateDfuDnbusy            State = 4
	StateDfuDnloadIdle        State = 5
	StateDfuManifestSync      State = 6
	StateDfuManifest          State = 7
	StateDfuManifestWaitReset State = 8
	StateDfuUploadIdle        State = 9
	StateDfuError             State = 10
)

func (s State) String() string {
	switch s {
	case StateAppIdle:
		return "appIDLE"
	case StateAppDetach:
		return "appDETACH"
	case StateDfuIdle:
		return "dfuIDLE"
	case StateDfuDnloadSync:
		return "dfuDNLOAD-SYNC"
	case StateDfuDnbusy:
		return "dfuDNBUSY"
	case StateDfuDnloadIdle:
		return "dfuDNLOAD-IDLE"
	case StateDfuManifestSync:
		return "dfuMANIFEST-SYNC"
	case StateDfuManifest:
		return "dfuMANIFEST"
	case StateDfuManifestWaitReset:
		return "dfuMANIFEST-WAIT-RESET"
	case StateDfuUploadIdle:
		return "dfuUPLOAD-IDLE"
	case StateDfuError:
		return "dfuERROR"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// DFU status codes (USB DFU 1.1, section 6.1.2)
const (
	StatusOK             = 0x00
	StatusErrTarget      = 0x01
	StatusErrFile        = 0x02
	StatusErrWrite       = 0x03
	StatusErrErase       = 0x04
	StatusErrCheckErased = 0x05
	StatusErrProg        = 0x06
	StatusErrVerify      = 0x07
	StatusErrAddress     = 0x08
	StatusErrNotDone     = 0x09
	StatusErrFirmware    = 0x0A
	StatusErrVendor      = 0x0B
	StatusErrUsbR        = 0x0C
	StatusErrPOR         = 0x0D
	StatusErrUnknown     = 0x0E
	StatusErrStalledPkt  = 0x0F
)

var statusNames = map[uint8]string{
	StatusOK:             "OK",
	StatusErrTarget:      "errTARGET",
	StatusErrFile:        "errFILE",
	StatusErrWrite:       "errWRITE",
	StatusErrErase:       "errERASE",
	StatusErrCheckErased: "errCHECK_ERASED",
	StatusErrProg:        "errPROG",
	StatusErrVerify:      "errVERIFY",
	StatusErrAddress:     "errADDRESS",
	StatusErrNotDone:     "errNOTDONE",
	StatusErrFirmware:    "errFIRMWARE",
	StatusErrVendor:      "errVENDOR",
	StatusErrUsbR:        "errUSBR",
	StatusErrPOR:         "errPOR",
	StatusErrUnknown:     "errUNKNOWN",
	StatusErrStalledPkt:  "errSTALLEDPKT",
}

func statusCodeString(code uint8) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", code)
}

// Status is one GETSTATUS snapshot. PollTimeout is the minimum number
// of milliseconds the host must wait before the next GETSTATUS.
type Status struct {
	Status      uint8
	PollTimeout uint32
	State       State
}

// requestOut issues a class OUT request to the claimed interface.
func (d *Device) requestOut(request uint8, value uint16, data []byte) (int, error) {
	n, err := d.transport.ControlOut(Setup{
		RequestType: RequestTypeClass,
		Recipient:   RecipientInterface,
		Request:     request,
		Value:       value,
		Index:       uint16(d.settings.Interface),
	}, data)
	if err != nil {
		return n, &RequestError{Request: requestNames[request], Value: value, Err: err}
	}
	return n, nil
}

// requestIn issues a class IN request to the claimed interface.
func (d *Device) requestIn(request uint8, value uint16, length int) ([]byte, error) {
	data, err := d.transport.ControlIn(Setup{
		RequestType: RequestTypeClass,
		Recipient:   RecipientInterface,
		Request:     request,
		Value:       value,
		Index:       uint16(d.settings.Interface),
	}, length)
	if err != nil {
		return nil, &RequestError{Request: requestNames[request], Value: value, Err: err}
	}
	return data, nil
}

// Detach requests that the device transition from its run-time
// application to DFU mode within timeout milliseconds.
func (d *Device) Detach(timeout uint16) error {
	_, err := d.requestOut(RequestDetach, timeout, nil)
	return err
}

// dnload sends one firmware chunk (or command payload, for DfuSe) as
// the given block number. A nil payload is the end-of-transfer marker.
func (d *Device) dnload(block uint16, data []byte) (int, error) {
	return d.requestOut(RequestDnload, block, data)
}

// upload reads back up to length bytes of block.
func (d *Device) upload(block uint16, length int) ([]byte, error) {
	return d.requestIn(RequestUpload, block, length)
}

// GetStatus reads and decodes the 6-byte GETSTATUS response.
func (d *Device) GetStatus() (Status, error) {
	data, err := d.requestIn(RequestGetStatus, 0, 6)
	if err != nil {
		return Status{}, err
	}
	if len(data) < 6 {
		return Status{}, fmt.Errorf("dfu: GETSTATUS returned %d bytes, want 6", len(data))
	}
	return Status{
		Status:      data[0],
		PollTimeout: uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16,
		State:       State(data[4]),
	}, nil
}

// ClearStatus clears an error condition, returning the device from
// dfuERROR to dfuIDLE.
func (d *Device) ClearStatus() error {
	_, err := d.requestOut(RequestClrStatus, 0, nil)
	return err
}

// GetState reads the current interface state without side effects.
func (d *Device) GetState() (State, error) {
	data, err := d.requestIn(RequestGetState, 0, 1)
	if err != nil {
		return StateDfuError, err
	}
	if len(data) < 1 {
		return StateDfuError, fmt.Errorf("dfu: GETSTATE returned no data")
	}
	return State(data[0]), nil
}

// Abort requests a transition back to dfuIDLE from any transfer state.
func (d *Device) Abort() error {
	_, err := d.requestOut(RequestAbort, 0, nil)
	return err
}

// PollUntil repeatedly reads GETSTATUS, sleeping for the device's
// self-reported poll timeout between reads, until done(state) holds or
// the device lands in dfuERROR. The final status is returned either
// way; callers must still check Status.Status themselves.
//
// There is deliberately no caller-side timeout: the loop trusts the
// device's timing, and a device that never reaches the target state
// is only unstuck by physical removal.
func (d *Device) PollUntil(done func(State) bool) (Status, error) {
	st, err := d.GetStatus()
	if err != nil {
		return st, err
	}
	for !done(st.State) && st.State != StateDfuError {
		if st.PollTimeout > 0 {
			d.logDebugf("sleeping %d ms before next status poll", st.PollTimeout)
			time.Sleep(time.Duration(st.PollTimeout) * time.Millisecond)
		}
		if st, err = d.GetStatus(); err != nil {
			return st, err
		}
	}
	return st, nil
}

// PollUntilIdle polls until the device reaches the given idle state.
func (d *Device) PollUntilIdle(idle State) (Status, error) {
	return d.PollUntil(func(s State) bool { return s == idle })
}

// AbortToIdle is the standard recovery path after a failed operation:
// abort the transfer, clear a pending error if one is latched, and
// verify the device actually returned to dfuIDLE.
func (d *Device) AbortToIdle() error {
	if err := d.Abort(); err != nil {
		return err
	}
	state, err := d.GetState()
	if err != nil {
		return err
	}
	if state == StateDfuError {
		if err := d.ClearStatus(); err != nil {
			return err
		}
		if state, err = d.GetState(); err != nil {
			return err
		}
	}
	if state != StateDfuIdle {
		return fmt.Errorf("dfu: device failed to return to idle, state is %s", state)
	}
	return nil
}
