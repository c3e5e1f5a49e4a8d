package hidsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/goccy/go-yaml"
	"github.com/neuroplastio/tpmiddle/internal/gesture"
	"github.com/neuroplastio/tpmiddle/pkg/bus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

type Service struct {
	log        *zap.Logger
	db         *badger.DB
	options    serviceOptions
	now        func() time.Time
	ready      chan struct{}
	backendBus *BackendBus

	inputBus        *InputBus
	connectedInputs *xsync.MapOf[Address, HidInputDevice]
}

type (
	BackendBus       = bus.Bus[string, BackendEvent]
	BackendPublisher = bus.Publisher[BackendEvent]

	InputEventType uint8
	InputBusKey    struct {
		Type InputEventType
		Addr Address
	}
	InputBus         = bus.Bus[InputBusKey, InputDeviceEvent]
	InputMessage     = bus.Message[InputBusKey, InputDeviceEvent]
	InputDeviceEvent struct {
		Device HidInputDevice
	}
)

const (
	InputConnected InputEventType = iota
	InputDisconnected
)

func (t InputEventType) String() string {
	switch t {
	case InputConnected:
		return "connected"
	case InputDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("InputEventType(%d)", uint8(t))
	}
}

// inputBufferSize is the per-subscriber buffer of connect/disconnect events.
const inputBufferSize = 16

type serviceOptions struct {
	backends       map[string]Backend
	backoffTimeout time.Duration
}

type Option func(*serviceOptions)

func WithBackend(name string, backend Backend) Option {
	return func(o *serviceOptions) {
		o.backends[name] = backend
	}
}

func WithBackoffTimeout(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.backoffTimeout = d
	}
}

func New(db *badger.DB, log *zap.Logger, now func() time.Time, opts ...Option) *Service {
	options := serviceOptions{
		backends:       make(map[string]Backend),
		backoffTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		db:         db,
		log:        log,
		options:    options,
		now:        now,
		ready:      make(chan struct{}),
		backendBus: bus.NewBus[string, BackendEvent](log),

		inputBus:        bus.NewBus[InputBusKey, InputDeviceEvent](log, bus.WithSubscriberBuffer(inputBufferSize)),
		connectedInputs: xsync.NewMapOf[Address, HidInputDevice](),
	}
}

func (s *Service) Start(ctx context.Context) error {
	err := s.backendBus.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start backend bus: %w", err)
	}
	err = s.inputBus.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start input bus: %w", err)
	}

	s.consumeEvents(ctx)

	startErr := make(chan error, len(s.options.backends))
	for backendID := range s.options.backends {
		go s.runBackend(ctx, backendID, startErr)
	}
	for _, backend := range s.options.backends {
		select {
		case <-ctx.Done():
			return nil
		case err := <-startErr:
			return err
		case <-backend.Ready():
		}
	}
	close(s.ready)
	s.log.Info("Service started")
	<-ctx.Done()
	return nil
}

func (s *Service) consumeEvents(ctx context.Context) {
	ch := s.backendBus.Subscribe(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s.handleBackendEvent(ctx, msg.Key, msg.Message)
			}
		}
	}()
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) handleBackendEvent(ctx context.Context, backendID string, event BackendEvent) {
	if event.InputsChanged == nil {
		return
	}
	s.log.Debug("devices changed", zap.String("backend", backendID))
	for _, id := range event.InputsChanged.Disconnected {
		s.onInputDisconnected(ctx, backendID, id)
	}
	for _, dev := range event.InputsChanged.Connected {
		s.onInputConnected(ctx, backendID, dev)
	}
}

type HidInputDevice struct {
	Address       Address            `json:"address"`
	BackendDevice BackendDevice      `json:"backendDevice"`
	Name          string             `json:"name"`
	Kind          gesture.DeviceKind `json:"kind"`
	FirstSeenAt   time.Time          `json:"firstSeenAt"`
	LastSeenAt    time.Time          `json:"lastSeenAt"`
}

func (s *Service) onInputDisconnected(ctx context.Context, backendID, id string) {
	addr := Address{Backend: backendID, ID: id}
	dev, ok := s.connectedInputs.LoadAndDelete(addr)
	if !ok {
		return
	}
	s.log.Debug("input disconnected", zap.String("backend", backendID), zap.String("id", id))
	s.inputBus.Publish(ctx, InputBusKey{
		Type: InputDisconnected,
		Addr: addr,
	}, InputDeviceEvent{Device: dev})
}

func (s *Service) onInputConnected(ctx context.Context, backendID string, bdev BackendDevice) {
	dev, err := s.initializeInputDevice(backendID, bdev)
	if err != nil {
		s.log.Error("failed to initialize device", zap.Error(err))
		return
	}
	s.log.Debug("input connected",
		zap.String("backend", backendID),
		zap.String("id", dev.Address.ID),
		zap.String("name", dev.Name),
		zap.Stringer("kind", dev.Kind),
		zap.Time("firstSeenAt", dev.FirstSeenAt))
	s.connectedInputs.Store(dev.Address, dev)
	s.inputBus.Publish(ctx, InputBusKey{
		Type: InputConnected,
		Addr: dev.Address,
	}, InputDeviceEvent{Device: dev})
}

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceNotConnected = errors.New("device not connected")
	ErrUnknownBackend     = errors.New("unknown backend")
)

func (s *Service) inputDeviceKey(address Address) []byte {
	return []byte(fmt.Sprintf("hid/inputs/%s/%s", address.Backend, address.ID))
}

func (s *Service) initializeInputDevice(backendID string, bdev BackendDevice) (HidInputDevice, error) {
	var dev HidInputDevice
	now := s.now()
	err := s.db.Update(func(txn *badger.Txn) error {
		addr := Address{Backend: backendID, ID: bdev.ID}
		key := s.inputDeviceKey(addr)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			dev = HidInputDevice{
				Name: bdev.Name,
			}
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &dev)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal device: %w", err)
			}
		}
		dev.Address = addr
		dev.BackendDevice = bdev
		dev.Kind = bdev.Kind
		if dev.FirstSeenAt.IsZero() {
			dev.FirstSeenAt = now
		}
		dev.LastSeenAt = now
		b, err := json.Marshal(dev)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return HidInputDevice{}, fmt.Errorf("failed to fetch device: %w", err)
	}
	return dev, nil
}

// runBackend keeps a backend running. A failure before the backend was ready
// once is reported on startErr and ends the loop; later failures are retried
// after the backoff timeout.
func (s *Service) runBackend(ctx context.Context, backendID string, startErr chan<- error) {
	backend := s.options.backends[backendID]
	for {
		err := backend.Start(ctx, s.backendBus.CreatePublisher(backendID))
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			select {
			case <-backend.Ready():
			default:
				startErr <- fmt.Errorf("failed to start backend %s: %w", backendID, err)
				return
			}
			s.log.Error("backend failed, restarting", zap.String("backend", backendID), zap.Error(err))
		}
		t := time.NewTimer(s.options.backoffTimeout)
		// retry after backoff
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		case <-t.C:
		}
	}
}

type BackendEvent struct {
	InputsChanged *BackendEventInputsChanged
}

type BackendEventInputsChanged struct {
	Connected    []BackendDevice
	Disconnected []string
}

type BackendDevice struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Kind      gesture.DeviceKind `json:"kind"`
	VendorID  uint16             `json:"vendorId"`
	ProductID uint16             `json:"productId"`
}

// Backend is a platform specific source of TrackPoint devices and sink of
// synthesized mouse input.
type Backend interface {
	Start(ctx context.Context, pub BackendPublisher) error
	Ready() <-chan struct{}
	OpenInputDevice(id string) (InputDevice, error)
	OpenOutputDevice(id string, descriptor []byte) (OutputDevice, error)
}

// InputDevice reads one raw report per Read call. The first byte is the report ID.
type InputDevice interface {
	io.ReadCloser
}

// OutputDevice accepts one input report per Write call.
type OutputDevice interface {
	io.WriteCloser
}

type Address struct {
	Backend string `yaml:"backend" json:"backend"`
	ID      string `yaml:"id" json:"id"`
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%s", a.Backend, a.ID)
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Address) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var addr struct {
		Backend string `json:"backend"`
		ID      string `json:"id"`
	}
	err := json.Unmarshal(data, &addr)
	if err == nil {
		*a = Address{Backend: addr.Backend, ID: addr.ID}
		return nil
	}
	var s string
	err = json.Unmarshal(data, &s)
	if err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Address) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(a.String())
}

func (a *Address) UnmarshalYAML(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var s string
	err := yaml.Unmarshal(data, &s)
	if err == nil {
		parsed, err := ParseAddress(s)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	}
	var addr struct {
		Backend string `yaml:"backend"`
		ID      string `yaml:"id"`
	}
	err = yaml.Unmarshal(data, &addr)
	if err != nil {
		return err
	}
	*a = Address{Backend: addr.Backend, ID: addr.ID}
	return nil
}

// ParseAddress parses "<backend>/<id>". Dots in the id stand for colons so
// that addresses can be typed without quoting.
func ParseAddress(s string) (Address, error) {
	var addr Address
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Address{}, fmt.Errorf("invalid address: %s", s)
	}
	addr.Backend = parts[0]
	addr.ID = strings.ReplaceAll(parts[1], ".", ":")
	return addr, nil
}

func (s *Service) ListInputDevices() ([]HidInputDevice, error) {
	var devices []HidInputDevice
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte("hid/inputs/")
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			item := iter.Item()
			var dev HidInputDevice
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &dev)
			})
			if err != nil {
				return err
			}
			devices = append(devices, dev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

func (s *Service) GetInputDevice(addr Address) (HidInputDevice, error) {
	var dev HidInputDevice
	err := s.db.View(func(txn *badger.Txn) error {
		key := s.inputDeviceKey(addr)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrDeviceNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &dev)
		})
	})
	if err != nil {
		return HidInputDevice{}, fmt.Errorf("failed to get device %s: %w", addr, err)
	}
	return dev, nil
}

// SubscribeInputs returns connect and disconnect events of all input devices.
func (s *Service) SubscribeInputs(ctx context.Context) <-chan InputMessage {
	return s.inputBus.Subscribe(ctx)
}

// ConnectedInputs returns the currently connected input devices.
func (s *Service) ConnectedInputs() []HidInputDevice {
	var devices []HidInputDevice
	s.connectedInputs.Range(func(_ Address, dev HidInputDevice) bool {
		devices = append(devices, dev)
		return true
	})
	return devices
}

func (s *Service) IsInputConnected(addr Address) bool {
	_, ok := s.connectedInputs.Load(addr)
	return ok
}

func (s *Service) backend(name string) (Backend, error) {
	backend, ok := s.options.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return backend, nil
}

func (s *Service) OpenInputDevice(addr Address) (InputDevice, error) {
	if !s.IsInputConnected(addr) {
		return nil, fmt.Errorf("error opening input device %s: %w", addr, ErrDeviceNotConnected)
	}
	backend, err := s.backend(addr.Backend)
	if err != nil {
		return nil, err
	}
	dev, err := backend.OpenInputDevice(addr.ID)
	if err != nil {
		return nil, fmt.Errorf("error opening input device: %w", err)
	}
	return dev, nil
}

func (s *Service) OpenOutputDevice(addr Address, descriptor []byte) (OutputDevice, error) {
	backend, err := s.backend(addr.Backend)
	if err != nil {
		return nil, err
	}
	dev, err := backend.OpenOutputDevice(addr.ID, descriptor)
	if err != nil {
		return nil, fmt.Errorf("error opening output device: %w", err)
	}
	return dev, nil
}
