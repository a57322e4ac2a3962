package dfu

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// SimWrite records one data-stage DNLOAD accepted by the simulator.
type SimWrite struct {
	Block   uint16
	Address uint32 // DfuSe address pointer at the time of the write
	Data    []byte
}

// Simulator implements Transport with an in-memory DFU device. It runs
// the interface state machine from USB DFU 1.1 figure A.1 and,
// optionally, the DfuSe command set, so the transfer engine can be
// exercised without hardware. Zero value fields give a well-behaved
// device; the exported knobs inject busy cycles, latched errors, and
// disconnects.
type Simulator struct {
	// UploadSource is the firmware image served to UPLOAD requests.
	UploadSource []byte

	// PollTimeout is the bwPollTimeout (ms) reported while busy.
	// Keep it 0 in tests so polling loops don't sleep.
	PollTimeout uint32

	// BusyPolls is how many GETSTATUS reads report dfuDNBUSY after
	// each data-stage DNLOAD before the write "completes".
	BusyPolls int

	// BusyEvery makes only every Nth data block busy; 0 or 1 means
	// every block (when BusyPolls > 0).
	BusyEvery int

	// ManifestPolls is how many GETSTATUS reads report dfuMANIFEST
	// after the end-of-transfer marker.
	ManifestPolls int

	// ManifestationTolerant selects the post-manifest state: dfuIDLE
	// when true, dfuMANIFEST-WAIT-RESET when false.
	ManifestationTolerant bool

	// FailBlock latches dfuERROR with FailStatus instead of accepting
	// the data block with that number. Zero disables (block 0 is
	// never a data block in DfuSe, and plain transfers inject via
	// FailStatus on block numbers >= 1).
	FailBlock  uint16
	FailStatus uint8

	// ResetDisconnects makes Reset drop the device off the bus, the
	// way a bootloader rebooting into new firmware does.
	ResetDisconnects bool

	// DfuSe enables vendor command handling on DNLOAD block 0.
	DfuSe bool

	// DeviceDesc, ConfigDesc and StringDescs serve GET_DESCRIPTOR for
	// discovery tests. All optional.
	DeviceDesc  []byte
	ConfigDesc  []byte
	StringDescs map[uint8][]byte

	// Observable outcomes.
	Downloaded []byte     // plain DFU image, blocks concatenated
	Writes     []SimWrite // data-stage DNLOADs, with addresses
	Erased     []uint32   // DfuSe sector addresses, in erase order
	Address    uint32     // DfuSe address pointer
	Detached   bool
	Resets     int

	state        State
	status       uint8
	busyLeft     int
	manifestLeft int
	dataBlocks   int
	uploadOff    int

	opened       bool
	disconnected chan struct{}
	gone         sync.Once
}

// NewSimulator returns a simulator in dfuIDLE.
func NewSimulator() *Simulator {
	return &Simulator{
		state:        StateDfuIdle,
		status:       StatusOK,
		disconnected: make(chan struct{}),
	}
}

// Descriptor byte builders for simulated devices. The discovery tests
// use these directly to assemble malformed variants.

func deviceDescBytes(numConfigs uint8) []byte {
	return []byte{
		18, descriptorTypeDevice,
		0x00, 0x01, // bcdUSB 1.00
		0x00, 0x00, 0x00, // class, subclass, protocol
		64,         // bMaxPacketSize0
		0x83, 0x04, // idVendor 0x0483
		0x11, 0xDF, // idProduct 0xDF11
		0x00, 0x22, // bcdDevice
		1, 2, 3, // iManufacturer, iProduct, iSerialNumber
		numConfigs,
	}
}

func interfaceDescBytes(number, alt, class, subclass, protocol, iInterface uint8) []byte {
	return []byte{9, descriptorTypeInterface, number, alt, 0, class, subclass, protocol, iInterface}
}

func functionalDescBytes(attrs uint8, detach, xfer uint16) []byte {
	return []byte{
		9, descriptorTypeDFUFunctional, attrs,
		byte(detach), byte(detach >> 8),
		byte(xfer), byte(xfer >> 8),
		0x1A, 0x01, // bcdDFUVersion 1.1a
	}
}

func configDescBytes(value uint8, subs ...[]byte) []byte {
	total := 9
	for _, s := range subs {
		total += len(s)
	}
	out := []byte{
		9, descriptorTypeConfiguration,
		byte(total), byte(total >> 8),
		1,     // bNumInterfaces
		value, // bConfigurationValue
		0,     // iConfiguration
		0x80,  // bmAttributes
		50,    // bMaxPower
	}
	for _, s := range subs {
		out = append(out, s...)
	}
	return out
}

func stringDescBytes(s string) []byte {
	out := []byte{0, descriptorTypeString}
	for _, r := range s {
		out = append(out, byte(r), byte(uint16(r)>>8))
	}
	out[0] = byte(len(out))
	return out
}

// STM32Layout is the internal flash map of the STM32F40x ROM
// bootloader, the most common DfuSe target in the wild.
const STM32Layout = "@Internal Flash  /0x08000000/4*016Kg,1*064Kg,7*128Kg"

// NewSTM32Simulator returns a simulator dressed up as an STM32F4 ROM
// bootloader: DfuSe command handling, the standard descriptor set, and
// the usual internal flash layout. It is what the CLI's hardware-free
// mode talks to.
func NewSTM32Simulator() *Simulator {
	sim := NewSimulator()
	sim.DfuSe = true
	sim.UploadSource = make([]byte, 4096)
	for i := range sim.UploadSource {
		sim.UploadSource[i] = byte(i)
	}
	sim.DeviceDesc = deviceDescBytes(1)
	sim.ConfigDesc = configDescBytes(1,
		interfaceDescBytes(0, 0, InterfaceClassAppSpecific, InterfaceSubclassDFU, InterfaceProtocolDFUMode, 4),
		functionalDescBytes(attrCanDnload|attrCanUpload|attrWillDetach, 255, 2048),
	)
	sim.StringDescs = map[uint8][]byte{
		0: {4, descriptorTypeString, 0x09, 0x04}, // en-US
		1: stringDescBytes("STMicroelectronics"),
		2: stringDescBytes("STM32  BOOTLOADER"),
		3: stringDescBytes("FFFFFFFEFFFF"),
		4: stringDescBytes(STM32Layout),
	}
	return sim
}

func (s *Simulator) Open() error {
	if s.disconnected == nil {
		s.disconnected = make(chan struct{})
	}
	s.opened = true
	return nil
}

func (s *Simulator) Close() error {
	s.opened = false
	return nil
}

func (s *Simulator) SelectConfiguration(value int) error { return nil }

func (s *Simulator) ClaimInterface(number int) error { return nil }

func (s *Simulator) SelectAlternateInterface(number, alt int) error { return nil }

func (s *Simulator) Disconnected() <-chan struct{} {
	return s.disconnected
}

func (s *Simulator) Reset() error {
	s.Resets++
	if s.ResetDisconnects {
		s.gone.Do(func() { close(s.disconnected) })
		return fmt.Errorf("NetworkError: device disconnected during reset")
	}
	s.state = StateDfuIdle
	s.status = StatusOK
	return nil
}

// State reports the simulated interface state, for test assertions.
func (s *Simulator) State() State {
	return s.state
}

func (s *Simulator) ControlOut(setup Setup, data []byte) (int, error) {
	if !s.opened {
		return 0, fmt.Errorf("simulator: not open")
	}
	if setup.RequestType != RequestTypeClass || setup.Recipient != RecipientInterface {
		return 0, fmt.Errorf("simulator: unexpected OUT request type 0x%02X", setup.bmRequestType(false))
	}

	switch setup.Request {
	case RequestDetach:
		s.Detached = true
		s.gone.Do(func() { close(s.disconnected) })
		return 0, nil

	case RequestDnload:
		return s.handleDnload(setup.Value, data)

	case RequestClrStatus:
		if s.state != StateDfuError {
			return 0, s.stall()
		}
		s.state = StateDfuIdle
		s.status = StatusOK
		return 0, nil

	case RequestAbort:
		// ABORT does not clear a latched error; only CLRSTATUS does
		if s.state != StateDfuError {
			s.state = StateDfuIdle
			s.status = StatusOK
		}
		s.uploadOff = 0
		return 0, nil
	}
	return 0, fmt.Errorf("simulator: unsupported OUT request 0x%02X", setup.Request)
}

func (s *Simulator) ControlIn(setup Setup, length int) ([]byte, error) {
	if !s.opened {
		return nil, fmt.Errorf("simulator: not open")
	}

	if setup.RequestType == RequestTypeStandard && setup.Recipient == RecipientDevice &&
		setup.Request == requestGetDescriptor {
		return s.handleGetDescriptor(setup.Value, length)
	}
	if setup.RequestType != RequestTypeClass || setup.Recipient != RecipientInterface {
		return nil, fmt.Errorf("simulator: unexpected IN request type 0x%02X", setup.bmRequestType(true))
	}

	switch setup.Request {
	case RequestGetStatus:
		return s.handleGetStatus(length)

	case RequestGetState:
		if length < 1 {
			return nil, nil
		}
		return []byte{byte(s.state)}, nil

	case RequestUpload:
		return s.handleUpload(length)
	}
	return nil, fmt.Errorf("simulator: unsupported IN request 0x%02X", setup.Request)
}

func (s *Simulator) handleDnload(block uint16, data []byte) (int, error) {
	switch s.state {
	case StateDfuIdle, StateDfuDnloadIdle, StateDfuDnloadSync:
		// Hosts that throttle status checks send the next block
		// without resolving dfuDNLOAD-SYNC first; accept it the way
		// real bootloaders do.
	default:
		return 0, s.stall()
	}

	if s.DfuSe && block == 0 && len(data) > 0 {
		return s.handleDfuSeCommand(data)
	}

	if len(data) == 0 {
		// End-of-transfer marker
		s.state = StateDfuManifestSync
		s.manifestLeft = s.ManifestPolls
		return 0, nil
	}

	if s.FailBlock != 0 && block == s.FailBlock {
		s.state = StateDfuError
		s.status = s.FailStatus
		if s.status == StatusOK {
			s.status = StatusErrWrite
		}
		s.FailBlock = 0
		return 0, nil
	}

	if s.DfuSe {
		s.Writes = append(s.Writes, SimWrite{Block: block, Address: s.Address, Data: append([]byte(nil), data...)})
	} else {
		s.Downloaded = append(s.Downloaded, data...)
	}
	s.dataBlocks++
	s.state = StateDfuDnloadSync
	if s.BusyPolls > 0 && (s.BusyEvery <= 1 || s.dataBlocks%s.BusyEvery == 0) {
		s.busyLeft = s.BusyPolls
	}
	return len(data), nil
}

func (s *Simulator) handleDfuSeCommand(data []byte) (int, error) {
	op := data[0]
	switch op {
	case DfuSeGetCommands:
		// Accepted, nothing to record
	case DfuSeSetAddress:
		if len(data) != 5 {
			s.state = StateDfuError
			s.status = StatusErrVendor
			return 0, nil
		}
		s.Address = binary.LittleEndian.Uint32(data[1:])
	case DfuSeEraseSector:
		if len(data) != 5 {
			s.state = StateDfuError
			s.status = StatusErrVendor
			return 0, nil
		}
		s.Erased = append(s.Erased, binary.LittleEndian.Uint32(data[1:]))
	default:
		s.state = StateDfuError
		s.status = StatusErrVendor
		return 0, nil
	}
	s.state = StateDfuDnloadSync
	s.busyLeft = 1 // commands always report one busy poll
	return len(data), nil
}

// handleGetStatus resolves the -SYNC states the way a real device
// does: the transition to busy, idle or manifest happens as a side
// effect of the status read itself.
func (s *Simulator) handleGetStatus(length int) ([]byte, error) {
	poll := uint32(0)

	switch s.state {
	case StateDfuDnloadSync, StateDfuDnbusy:
		if s.busyLeft > 0 {
			s.busyLeft--
			s.state = StateDfuDnbusy
			poll = s.PollTimeout
		} else {
			s.state = StateDfuDnloadIdle
		}
	case StateDfuManifestSync, StateDfuManifest:
		switch {
		case s.manifestLeft > 0:
			s.manifestLeft--
			s.state = StateDfuManifest
			poll = s.PollTimeout
		case s.DfuSe:
			// DfuSe bootloaders sit in dfuMANIFEST until reset
			s.state = StateDfuManifest
		case s.ManifestationTolerant:
			s.state = StateDfuIdle
		default:
			s.state = StateDfuManifestWaitReset
		}
	}

	resp := []byte{
		s.status,
		byte(poll), byte(poll >> 8), byte(poll >> 16),
		byte(s.state),
		0,
	}
	if length < len(resp) {
		resp = resp[:length]
	}
	return resp, nil
}

func (s *Simulator) handleUpload(length int) ([]byte, error) {
	switch s.state {
	case StateDfuIdle, StateDfuUploadIdle:
	default:
		return nil, s.stall()
	}
	s.state = StateDfuUploadIdle

	// The upload cursor only resets on ABORT, matching the sequencing
	// a real device applies to block numbers.
	start := s.uploadOff
	if start >= len(s.UploadSource) {
		s.state = StateDfuIdle
		return nil, nil
	}
	end := start + length
	if end > len(s.UploadSource) {
		end = len(s.UploadSource)
	}
	s.uploadOff = end
	chunk := append([]byte(nil), s.UploadSource[start:end]...)
	if len(chunk) < length {
		// Short block ends the transfer
		s.state = StateDfuIdle
	}
	return chunk, nil
}

func (s *Simulator) handleGetDescriptor(value uint16, length int) ([]byte, error) {
	descType := uint8(value >> 8)
	index := uint8(value)

	var raw []byte
	switch descType {
	case descriptorTypeDevice:
		raw = s.DeviceDesc
	case descriptorTypeConfiguration:
		raw = s.ConfigDesc
	case descriptorTypeString:
		raw = s.StringDescs[index]
	}
	if raw == nil {
		return nil, fmt.Errorf("simulator: no descriptor 0x%02X index %d", descType, index)
	}
	if length < len(raw) {
		raw = raw[:length]
	}
	return append([]byte(nil), raw...), nil
}

// stall latches dfuERROR the way a device stalls an out-of-sequence
// request, and reports the stall to the host.
func (s *Simulator) stall() error {
	s.state = StateDfuError
	s.status = StatusErrStalledPkt
	return fmt.Errorf("simulator: request stalled in state %s", s.state)
}
