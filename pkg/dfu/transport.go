package dfu

// RequestType selects the type bits of the bmRequestType field of a
// USB control transfer setup packet.
type RequestType uint8

const (
	RequestTypeStandard RequestType = 0x00
	RequestTypeClass    RequestType = 0x20
	RequestTypeVendor   RequestType = 0x40
)

// Recipient selects the recipient bits of bmRequestType.
type Recipient uint8

const (
	RecipientDevice    Recipient = 0x00
	RecipientInterface Recipient = 0x01
	RecipientEndpoint  Recipient = 0x02
)

const directionIn = 0x80

// Setup describes the fixed part of a control transfer: everything but
// the direction bit and the data stage.
type Setup struct {
	RequestType RequestType
	Recipient   Recipient
	Request     uint8
	Value       uint16
	Index       uint16
}

func (s Setup) bmRequestType(in bool) uint8 {
	rt := uint8(s.RequestType) | uint8(s.Recipient)
	if in {
		rt |= directionIn
	}
	return rt
}

// Transport is the USB capability set the DFU engine drives. The real
// implementation is USBTransport; tests and the CLI's hardware-free
// mode use Simulator.
//
// Implementations are not required to be safe for concurrent use: the
// DFU protocol has no frame multiplexing, so the engine issues at most
// one transfer at a time per device.
type Transport interface {
	Open() error
	Close() error

	SelectConfiguration(value int) error
	ClaimInterface(number int) error
	SelectAlternateInterface(number, alt int) error

	// ControlIn performs an IN control transfer and returns up to
	// length bytes. A short return is not an error.
	ControlIn(s Setup, length int) ([]byte, error)

	// ControlOut performs an OUT control transfer and returns the
	// number of bytes accepted by the device.
	ControlOut(s Setup, data []byte) (int, error)

	// Reset issues a USB port reset. Devices that just received new
	// firmware typically vanish during this call; implementations
	// surface that as an error wrapping ErrDisconnected.
	Reset() error

	// Disconnected returns a channel that is closed once the device
	// leaves the bus. The latch is one-way: the channel is never
	// reopened or replaced for the lifetime of the transport.
	Disconnected() <-chan struct{}
}
