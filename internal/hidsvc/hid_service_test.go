package hidsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/goccy/go-yaml"
	"github.com/neuroplastio/tpmiddle/internal/gesture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type fakeBackend struct {
	ready   chan struct{}
	pub     chan BackendPublisher
	outputs map[string][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		ready:   make(chan struct{}),
		pub:     make(chan BackendPublisher, 1),
		outputs: make(map[string][]byte),
	}
}

func (b *fakeBackend) Start(ctx context.Context, pub BackendPublisher) error {
	b.pub <- pub
	close(b.ready)
	<-ctx.Done()
	return nil
}

func (b *fakeBackend) Ready() <-chan struct{} {
	return b.ready
}

func (b *fakeBackend) OpenInputDevice(id string) (InputDevice, error) {
	return io.NopCloser(bytes.NewReader([]byte{0x15, 0x01, 0x01})), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func (b *fakeBackend) OpenOutputDevice(id string, descriptor []byte) (OutputDevice, error) {
	b.outputs[id] = descriptor
	return nopWriteCloser{io.Discard}, nil
}

// failingBackend fails every Start. With readyFirst it reports ready on the
// first attempt before failing.
type failingBackend struct {
	*fakeBackend
	err        error
	readyFirst bool
	starts     *atomic.Int64
}

func newFailingBackend(err error, readyFirst bool) *failingBackend {
	return &failingBackend{
		fakeBackend: newFakeBackend(),
		err:         err,
		readyFirst:  readyFirst,
		starts:      atomic.NewInt64(0),
	}
}

func (b *failingBackend) Start(ctx context.Context, pub BackendPublisher) error {
	if b.starts.Inc() == 1 && b.readyFirst {
		close(b.ready)
	}
	return b.err
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func openDB(t *testing.T) *badger.DB {
	opts := badger.DefaultOptions(t.TempDir())
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func startService(t *testing.T, db *badger.DB, clock *testClock) (*Service, *fakeBackend, BackendPublisher, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	backend := newFakeBackend()
	svc := New(db, zap.NewNop(), clock.Now, WithBackend("fake", backend), WithBackoffTimeout(time.Hour))
	go svc.Start(ctx)
	select {
	case <-svc.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("service not ready")
	}
	return svc, backend, <-backend.pub, ctx
}

func nextInput(t *testing.T, ch <-chan InputMessage) InputMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for input event")
	}
	return InputMessage{}
}

func TestInputLifecycle(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	first := clock.now
	svc, backend, pub, ctx := startService(t, openDB(t), clock)
	inputs := svc.SubscribeInputs(ctx)

	bdev := BackendDevice{
		ID:        "17ef:60ee:1",
		Name:      "Lenovo TrackPoint Keyboard II",
		Kind:      gesture.Wired,
		VendorID:  0x17ef,
		ProductID: 0x60ee,
	}
	addr := Address{Backend: "fake", ID: bdev.ID}
	pub(ctx, BackendEvent{InputsChanged: &BackendEventInputsChanged{Connected: []BackendDevice{bdev}}})

	msg := nextInput(t, inputs)
	assert.Equal(t, InputConnected, msg.Key.Type)
	assert.Equal(t, addr, msg.Key.Addr)
	assert.Equal(t, gesture.Wired, msg.Message.Device.Kind)
	assert.True(t, svc.IsInputConnected(addr))
	assert.Len(t, svc.ConnectedInputs(), 1)

	dev, err := svc.OpenInputDevice(addr)
	require.NoError(t, err)
	report, err := io.ReadAll(dev)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x15, 0x01, 0x01}, report)

	pub(ctx, BackendEvent{InputsChanged: &BackendEventInputsChanged{Disconnected: []string{bdev.ID}}})
	msg = nextInput(t, inputs)
	assert.Equal(t, InputDisconnected, msg.Key.Type)
	assert.False(t, svc.IsInputConnected(addr))
	_, err = svc.OpenInputDevice(addr)
	assert.ErrorIs(t, err, ErrDeviceNotConnected)

	clock.now = clock.now.Add(time.Hour)
	pub(ctx, BackendEvent{InputsChanged: &BackendEventInputsChanged{Connected: []BackendDevice{bdev}}})
	nextInput(t, inputs)

	stored, err := svc.GetInputDevice(addr)
	require.NoError(t, err)
	assert.True(t, stored.FirstSeenAt.Equal(first))
	assert.True(t, stored.LastSeenAt.Equal(clock.now))
	assert.Equal(t, bdev, stored.BackendDevice)

	devices, err := svc.ListInputDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "Lenovo TrackPoint Keyboard II", devices[0].Name)

	_, err = svc.OpenOutputDevice(Address{Backend: "fake", ID: "uhid:mouse"}, []byte{0x05, 0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x01}, backend.outputs["uhid:mouse"])
}

func TestGetInputDeviceNotFound(t *testing.T) {
	svc := New(openDB(t), zap.NewNop(), time.Now)
	_, err := svc.GetInputDevice(Address{Backend: "linux", ID: "17ef:60e1:0"})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	_, err = svc.OpenOutputDevice(Address{Backend: "missing", ID: "x"}, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("linux/17ef.60ee.1")
	require.NoError(t, err)
	assert.Equal(t, Address{Backend: "linux", ID: "17ef:60ee:1"}, addr)
	assert.Equal(t, "linux/17ef:60ee:1", addr.String())

	for _, s := range []string{"", "linux", "/id", "linux/"} {
		_, err := ParseAddress(s)
		assert.Error(t, err, s)
	}
}

func TestAddressEncoding(t *testing.T) {
	addr := Address{Backend: "linux", ID: "17ef:60e1:0"}

	jsonB, err := json.Marshal(addr)
	require.NoError(t, err)
	assert.Equal(t, `"linux/17ef:60e1:0"`, string(jsonB))
	var fromJSON Address
	require.NoError(t, json.Unmarshal(jsonB, &fromJSON))
	assert.Equal(t, addr, fromJSON)
	require.NoError(t, json.Unmarshal([]byte(`{"backend":"linux","id":"17ef:60e1:0"}`), &fromJSON))
	assert.Equal(t, addr, fromJSON)

	yamlB, err := yaml.Marshal(struct {
		Addr Address `yaml:"addr"`
	}{Addr: addr})
	require.NoError(t, err)
	var fromYAML struct {
		Addr Address `yaml:"addr"`
	}
	require.NoError(t, yaml.Unmarshal(yamlB, &fromYAML))
	assert.Equal(t, addr, fromYAML.Addr)
}

func TestStartFailsWhenBackendNeverReady(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	initErr := errors.New("hid init failed")
	backend := newFailingBackend(initErr, false)
	svc := New(openDB(t), zap.NewNop(), time.Now, WithBackend("linux", backend), WithBackoffTimeout(10*time.Millisecond))

	err := svc.Start(ctx)
	require.ErrorIs(t, err, initErr)
	assert.Contains(t, err.Error(), "linux")
	assert.NoError(t, ctx.Err())
	assert.Equal(t, int64(1), backend.starts.Load())
	select {
	case <-svc.Ready():
		t.Fatal("service reported ready")
	default:
	}
}

func TestBackendRestartedAfterReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := newFailingBackend(errors.New("device gone"), true)
	svc := New(openDB(t), zap.NewNop(), time.Now, WithBackend("linux", backend), WithBackoffTimeout(10*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		done <- svc.Start(ctx)
	}()
	select {
	case <-svc.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("service not ready")
	}
	assert.Eventually(t, func() bool {
		return backend.starts.Load() >= 3
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}
