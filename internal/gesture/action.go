package gesture

import "fmt"

// Button is a logical mouse button number.
type Button uint8

const (
	ButtonMiddle  Button = 3
	ButtonBack    Button = 4
	ButtonForward Button = 5
)

func (b Button) String() string {
	switch b {
	case ButtonMiddle:
		return "middle"
	case ButtonBack:
		return "back"
	case ButtonForward:
		return "forward"
	default:
		return fmt.Sprintf("button%d", uint8(b))
	}
}

type Axis uint8

const (
	AxisVertical Axis = iota
	AxisHorizontal
)

func (a Axis) String() string {
	if a == AxisHorizontal {
		return "horizontal"
	}
	return "vertical"
}

// Action is a synthesized mouse action: Click or Wheel.
type Action interface {
	fmt.Stringer
	action()
}

// Click is a full press and release of Button.
type Click struct {
	Button Button
}

// Wheel is a wheel rotation of Amount on Axis, in 1/WheelUnit notches.
type Wheel struct {
	Axis   Axis
	Amount int
}

func (Click) action() {}
func (Wheel) action() {}

func (c Click) String() string { return "click(" + c.Button.String() + ")" }
func (w Wheel) String() string { return fmt.Sprintf("wheel(%s, %d)", w.Axis, w.Amount) }
