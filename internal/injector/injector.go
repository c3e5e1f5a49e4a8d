// Package injector synthesizes gesture actions as input reports of a virtual
// HID mouse.
package injector

import (
	"fmt"
	"io"

	"github.com/neuroplastio/tpmiddle/internal/gesture"
	"github.com/neuroplastio/tpmiddle/pkg/bits"
	"go.uber.org/zap"
)

const ReportID uint8 = 0x01

// ReportDescriptor describes a five button mouse with a vertical wheel and a
// horizontal pan axis. Report layout (bytes): id, buttons, x, y, wheel, pan.
var ReportDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x02, // Usage (Mouse)
	0xa1, 0x01, // Collection (Application)
	0x85, ReportID, // Report ID
	0x09, 0x01, // Usage (Pointer)
	0xa1, 0x00, // Collection (Physical)
	0x05, 0x09, // Usage Page (Button)
	0x19, 0x01, // Usage Minimum (1)
	0x29, 0x05, // Usage Maximum (5)
	0x15, 0x00, // Logical Minimum (0)
	0x25, 0x01, // Logical Maximum (1)
	0x95, 0x05, // Report Count (5)
	0x75, 0x01, // Report Size (1)
	0x81, 0x02, // Input (Data, Variable, Absolute)
	0x95, 0x01, // Report Count (1)
	0x75, 0x03, // Report Size (3)
	0x81, 0x03, // Input (Constant)
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x30, // Usage (X)
	0x09, 0x31, // Usage (Y)
	0x09, 0x38, // Usage (Wheel)
	0x15, 0x81, // Logical Minimum (-127)
	0x25, 0x7f, // Logical Maximum (127)
	0x75, 0x08, // Report Size (8)
	0x95, 0x03, // Report Count (3)
	0x81, 0x06, // Input (Data, Variable, Relative)
	0x05, 0x0c, // Usage Page (Consumer)
	0x0a, 0x38, 0x02, // Usage (AC Pan)
	0x95, 0x01, // Report Count (1)
	0x81, 0x06, // Input (Data, Variable, Relative)
	0xc0, // End Collection
	0xc0, // End Collection
}

const (
	reportSize = 6 * 8

	buttonsOffset = 8
	wheelOffset   = 32
	panOffset     = 40
	axisSize      = 8
)

// Injector writes synthesized actions to a virtual mouse.
type Injector struct {
	log *zap.Logger
	w   io.Writer
}

func New(log *zap.Logger, w io.Writer) *Injector {
	return &Injector{
		log: log,
		w:   w,
	}
}

// Inject synthesizes one action. A click is written as a press report
// followed by a release report.
func (i *Injector) Inject(action gesture.Action) error {
	i.log.Debug("inject", zap.Stringer("action", action))
	for _, report := range Reports(action) {
		if _, err := i.w.Write(report); err != nil {
			return fmt.Errorf("failed to write %s report: %w", action, err)
		}
	}
	return nil
}

// Reports encodes an action as the sequence of input reports that synthesizes it.
func Reports(action gesture.Action) [][]byte {
	switch a := action.(type) {
	case gesture.Click:
		if a.Button < 1 || a.Button > 5 {
			return nil
		}
		press := newReport()
		press.Set(buttonsOffset + int(a.Button) - 1)
		return [][]byte{press.Bytes(), newReport().Bytes()}
	case gesture.Wheel:
		detents := Detents(a.Amount)
		if detents == 0 {
			return nil
		}
		report := newReport()
		offset := wheelOffset
		if a.Axis == gesture.AxisHorizontal {
			offset = panOffset
		}
		report.PutInt(offset, axisSize, int32(detents))
		return [][]byte{report.Bytes()}
	default:
		return nil
	}
}

// Detents converts a wheel amount in 1/WheelUnit notches to whole notches
// within the report's logical range. Any non-zero amount moves at least one notch.
func Detents(amount int) int {
	detents := amount / gesture.WheelUnit
	switch {
	case detents == 0 && amount > 0:
		detents = 1
	case detents == 0 && amount < 0:
		detents = -1
	case detents > 127:
		detents = 127
	case detents < -127:
		detents = -127
	}
	return detents
}

func newReport() bits.Bits {
	report := bits.NewZeros(reportSize)
	report.PutUint(0, 8, uint32(ReportID))
	return report
}
