package injector

import (
	"bytes"
	"errors"
	"testing"

	"github.com/neuroplastio/tpmiddle/internal/gesture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	reports [][]byte
	err     error
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.reports = append(r.reports, bytes.Clone(p))
	return len(p), nil
}

func TestReports(t *testing.T) {
	type testCase struct {
		name     string
		action   gesture.Action
		expected [][]byte
	}

	testCases := []testCase{
		{
			name:   "middle click",
			action: gesture.Click{Button: gesture.ButtonMiddle},
			expected: [][]byte{
				{0x01, 0x04, 0x00, 0x00, 0x00, 0x00},
				{0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
			},
		},
		{
			name:   "back click",
			action: gesture.Click{Button: gesture.ButtonBack},
			expected: [][]byte{
				{0x01, 0x08, 0x00, 0x00, 0x00, 0x00},
				{0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
			},
		},
		{
			name:   "forward click",
			action: gesture.Click{Button: gesture.ButtonForward},
			expected: [][]byte{
				{0x01, 0x10, 0x00, 0x00, 0x00, 0x00},
				{0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
			},
		},
		{
			name:     "wheel down",
			action:   gesture.Wheel{Axis: gesture.AxisVertical, Amount: -2 * gesture.WheelUnit},
			expected: [][]byte{{0x01, 0x00, 0x00, 0x00, 0xfe, 0x00}},
		},
		{
			name:     "pan right",
			action:   gesture.Wheel{Axis: gesture.AxisHorizontal, Amount: 3 * gesture.WheelUnit},
			expected: [][]byte{{0x01, 0x00, 0x00, 0x00, 0x00, 0x03}},
		},
		{
			name:     "zero wheel",
			action:   gesture.Wheel{Axis: gesture.AxisVertical},
			expected: nil,
		},
		{
			name:     "unknown button",
			action:   gesture.Click{Button: 9},
			expected: nil,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Reports(tc.action))
		})
	}
}

func TestDetents(t *testing.T) {
	assert.Equal(t, 1, Detents(1))
	assert.Equal(t, -1, Detents(-60))
	assert.Equal(t, 2, Detents(250))
	assert.Equal(t, 127, Detents(1000*gesture.WheelUnit))
	assert.Equal(t, -127, Detents(-128*gesture.WheelUnit))
	assert.Equal(t, 0, Detents(0))
}

func TestInject(t *testing.T) {
	rec := &recorder{}
	inj := New(zap.NewNop(), rec)
	require.NoError(t, inj.Inject(gesture.Click{Button: gesture.ButtonMiddle}))
	require.NoError(t, inj.Inject(gesture.Wheel{Axis: gesture.AxisVertical, Amount: gesture.WheelUnit}))
	assert.Len(t, rec.reports, 3)
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00, 0x01, 0x00}, rec.reports[2])

	rec.err = errors.New("device gone")
	err := inj.Inject(gesture.Click{Button: gesture.ButtonBack})
	assert.ErrorIs(t, err, rec.err)
}

func TestReportDescriptorBalanced(t *testing.T) {
	depth := 0
	for i := 0; i < len(ReportDescriptor); {
		prefix := ReportDescriptor[i]
		size := int(prefix & 0x03)
		if size == 3 {
			size = 4
		}
		switch prefix & 0xfc {
		case 0xa0:
			depth++
		case 0xc0:
			depth--
		}
		i += 1 + size
	}
	assert.Equal(t, 0, depth)
}
