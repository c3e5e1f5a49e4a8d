package gesture

import "fmt"

// DeviceKind is the transport the keyboard is attached through.
type DeviceKind uint8

const (
	Wired DeviceKind = iota
	Wireless
)

func (k DeviceKind) String() string {
	switch k {
	case Wired:
		return "wired"
	case Wireless:
		return "wireless"
	default:
		return fmt.Sprintf("DeviceKind(%d)", uint8(k))
	}
}

// Event is a decoded TrackPoint event. The set of variants is closed:
// ButtonDown, ButtonUp, Vertical and Horizontal.
type Event interface {
	fmt.Stringer
	event()
}

type (
	// ButtonDown is a press of the middle (scroll) button.
	ButtonDown struct{}
	// ButtonUp is a release of the middle (scroll) button.
	ButtonUp struct{}
	// Vertical is a vertical motion delta.
	Vertical struct {
		Delta int
	}
	// Horizontal is a horizontal motion delta.
	Horizontal struct {
		Delta int
	}
)

func (ButtonDown) event() {}
func (ButtonUp) event()   {}
func (Vertical) event()   {}
func (Horizontal) event() {}

func (ButtonDown) String() string   { return "+middle" }
func (ButtonUp) String() string     { return "-middle" }
func (e Vertical) String() string   { return fmt.Sprintf("vertical%+d", e.Delta) }
func (e Horizontal) String() string { return fmt.Sprintf("horizontal%+d", e.Delta) }

// Input is one decoded hardware report.
type Input struct {
	Event  Event
	Device DeviceKind
}

func (i Input) String() string {
	return fmt.Sprintf("%s(%s)", i.Event, i.Device)
}

func (k DeviceKind) MarshalText() ([]byte, error) {
	switch k {
	case Wired, Wireless:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("invalid device kind %d", uint8(k))
	}
}

func (k *DeviceKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "wired":
		*k = Wired
	case "wireless":
		*k = Wireless
	default:
		return fmt.Errorf("invalid device kind %q", text)
	}
	return nil
}
