// Package trackpoint decodes the vendor-defined TrackPoint event reports of
// ThinkPad TrackPoint keyboards into gesture inputs.
package trackpoint

import (
	"github.com/neuroplastio/tpmiddle/internal/gesture"
	"github.com/neuroplastio/tpmiddle/pkg/bits"
)

const VendorLenovo uint16 = 0x17ef

const (
	ProductKeyboardIIWired    uint16 = 0x60ee
	ProductKeyboardIIWireless uint16 = 0x60e1
	ProductKeyboardWired      uint16 = 0x6047
)

// Vendor usage pages carrying the TrackPoint event reports.
const (
	UsagePageWired    uint16 = 0xffa0
	UsagePageWireless uint16 = 0xff10
	UsageTrackPoint   uint16 = 0x0001
)

// Product identifies a supported keyboard model.
type Product struct {
	VendorID  uint16 `json:"vendorId"`
	ProductID uint16 `json:"productId"`
}

// KnownProducts lists the keyboards the decoder understands.
var KnownProducts = []Product{
	{VendorID: VendorLenovo, ProductID: ProductKeyboardIIWired},
	{VendorID: VendorLenovo, ProductID: ProductKeyboardIIWireless},
	{VendorID: VendorLenovo, ProductID: ProductKeyboardWired},
}

// Match reports whether a HID collection with the given usage carries
// TrackPoint event reports.
func Match(usagePage, usage uint16) bool {
	if usage != UsageTrackPoint {
		return false
	}
	return usagePage == UsagePageWired || usagePage == UsagePageWireless
}

const (
	codeButton     = 0x01
	codeHorizontal = 0x02
	codeVertical   = 0x03
)

// reportLayout is the position of the event fields within a report, in bits.
type reportLayout struct {
	reportID    uint8
	codeOffset  int
	valueOffset int
}

var layouts = map[gesture.DeviceKind]reportLayout{
	gesture.Wired: {
		reportID:    0x15,
		codeOffset:  8,
		valueOffset: 16,
	},
	gesture.Wireless: {
		reportID:    0x16,
		codeOffset:  16,
		valueOffset: 8,
	},
}

// Decode decodes one raw report. The first byte of report is the report ID.
// ok is false for reports that carry no TrackPoint event.
func Decode(report []byte, kind gesture.DeviceKind) (gesture.Input, bool) {
	layout, ok := layouts[kind]
	if !ok || len(report) == 0 || report[0] != layout.reportID {
		return gesture.Input{}, false
	}
	b := bits.New(report, 0)
	code, ok := b.Uint(layout.codeOffset, 8)
	if !ok {
		return gesture.Input{}, false
	}
	value, ok := b.Int(layout.valueOffset, 8)
	if !ok {
		return gesture.Input{}, false
	}

	var event gesture.Event
	switch code {
	case codeButton:
		switch value {
		case 1:
			event = gesture.ButtonDown{}
		case 0:
			event = gesture.ButtonUp{}
		default:
			return gesture.Input{}, false
		}
	case codeHorizontal:
		if value == 0 {
			return gesture.Input{}, false
		}
		event = gesture.Horizontal{Delta: int(value)}
	case codeVertical:
		if value == 0 {
			return gesture.Input{}, false
		}
		event = gesture.Vertical{Delta: int(value)}
	default:
		return gesture.Input{}, false
	}
	return gesture.Input{Event: event, Device: kind}, true
}
