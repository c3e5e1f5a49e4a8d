// Package gesture turns TrackPoint middle-button and motion events into
// middle clicks, back/forward clicks and wheel scrolling.
//
// A press released within ClickWindow without sideways motion is a middle
// click. Sideways motion while the button is held fires back (left) or
// forward (right) immediately, and any further sideways motion in the same
// press scrolls horizontally. Vertical motion is scrolled only for wired
// devices; the wireless transport already reports it as wheel input.
package gesture

import (
	"fmt"
	"time"
)

const (
	// ClickWindow is the longest press that still counts as a middle click.
	ClickWindow = 50 * time.Millisecond
	// WheelUnit is one wheel notch.
	WheelUnit = 120
)

type State uint8

const (
	Idle State = iota
	Pressed
	Scrolling
	SideClicked
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pressed:
		return "pressed"
	case Scrolling:
		return "scrolling"
	case SideClicked:
		return "side-clicked"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Mode is the whole persistent state of the gesture machine. The zero value
// is Idle. Since is only meaningful in the Pressed state.
type Mode struct {
	State State
	Since time.Time
}

func (m Mode) String() string {
	if m.State == Pressed {
		return fmt.Sprintf("pressed(%s)", m.Since.Format("15:04:05.000"))
	}
	return m.State.String()
}

// Handle applies one input to mode and returns the actions to synthesize.
// now must come from a monotonic clock.
func Handle(in Input, now time.Time, mode *Mode) []Action {
	switch ev := in.Event.(type) {
	case ButtonDown:
		*mode = Mode{State: Pressed, Since: now}
		return nil
	case ButtonUp:
		pressed := mode.State == Pressed && now.Sub(mode.Since) <= ClickWindow
		*mode = Mode{State: Idle}
		if pressed {
			return []Action{Click{Button: ButtonMiddle}}
		}
		return nil
	case Vertical:
		if mode.State == SideClicked {
			*mode = Mode{State: Scrolling}
		}
		if in.Device == Wired {
			return []Action{Wheel{Axis: AxisVertical, Amount: ev.Delta * WheelUnit}}
		}
		return nil
	case Horizontal:
		switch mode.State {
		case Pressed:
			*mode = Mode{State: SideClicked}
			if ev.Delta < 0 {
				return []Action{Click{Button: ButtonBack}}
			}
			return []Action{Click{Button: ButtonForward}}
		case SideClicked:
			*mode = Mode{State: Scrolling}
			return []Action{Wheel{Axis: AxisHorizontal, Amount: ev.Delta * WheelUnit}}
		}
		return nil
	default:
		return nil
	}
}

// Clock supplies monotonic instants.
type Clock func() time.Time

// Machine pairs a Mode with the clock used to timestamp inputs.
// It must be driven from a single goroutine.
type Machine struct {
	mode  Mode
	clock Clock
}

func NewMachine(clock Clock) *Machine {
	if clock == nil {
		clock = time.Now
	}
	return &Machine{clock: clock}
}

func (m *Machine) Handle(in Input) []Action {
	return Handle(in, m.clock(), &m.mode)
}

func (m *Machine) Mode() Mode {
	return m.mode
}
