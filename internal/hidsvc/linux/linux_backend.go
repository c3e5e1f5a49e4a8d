package linux

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jochenvg/go-udev"
	"github.com/neuroplastio/tpmiddle/internal/configsvc"
	"github.com/neuroplastio/tpmiddle/internal/gesture"
	"github.com/neuroplastio/tpmiddle/internal/hidsvc"
	"github.com/neuroplastio/tpmiddle/internal/trackpoint"
	"github.com/neuroplastio/tpmiddle/pkg/bits"
	"github.com/psanford/uhid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sstallion/go-hid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var defaultBackendOptions = backendOptions{
	pollInterval: 1 * time.Second,
	readTimeout:  100 * time.Millisecond,
}

type backendOptions struct {
	pollInterval time.Duration
	readTimeout  time.Duration
}

// WithPollInterval sets how often hidraw devices are enumerated. Non-positive
// values keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(o *backendOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithReadTimeout bounds a single blocking hidraw read, and therefore how long
// closing an input device may take. Non-positive values keep the default.
func WithReadTimeout(d time.Duration) Option {
	return func(o *backendOptions) {
		if d > 0 {
			o.readTimeout = d
		}
	}
}

type Option func(*backendOptions)

// Backend implements the hidsvc.Backend interface for Linux Kernel.
// It reads TrackPoint reports through hidraw (hidapi), classifies the
// transport through udev and injects mouse input through uhid.
type Backend struct {
	log     *zap.Logger
	options backendOptions

	config     *configsvc.Service
	configPath string

	products *xsync.MapOf[trackpoint.Product, struct{}]
	// refreshMu serializes refreshes from the poll loop and config reloads.
	refreshMu  sync.Mutex
	enumerate  func() (map[HidAddress]trackpointInfo, error)
	hidDevices *xsync.MapOf[HidAddress, trackpointInfo]

	udev *udev.Udev

	ready chan struct{}

	publisher hidsvc.BackendPublisher
}

type HidAddress struct {
	VendorID  uint16
	ProductID uint16
	Interface int
}

func (a HidAddress) String() string {
	return fmt.Sprintf("%04x:%04x:%d", a.VendorID, a.ProductID, a.Interface)
}

func ParseHidAddress(s string) (HidAddress, error) {
	var addr HidAddress
	_, err := fmt.Sscanf(s, "%04x:%04x:%d", &addr.VendorID, &addr.ProductID, &addr.Interface)
	if err != nil {
		return HidAddress{}, fmt.Errorf("invalid hid address %q: %w", s, err)
	}
	return addr, nil
}

type trackpointInfo struct {
	info hid.DeviceInfo
	kind gesture.DeviceKind
}

// Config is the part of the agent configuration file the backend watches.
type Config struct {
	Devices []trackpoint.Product `json:"devices"`
}

func NewBackend(log *zap.Logger, configSvc *configsvc.Service, configPath string, opts ...Option) *Backend {
	options := defaultBackendOptions
	for _, opt := range opts {
		opt(&options)
	}

	b := &Backend{
		options:    options,
		log:        log,
		config:     configSvc,
		configPath: configPath,
		ready:      make(chan struct{}),
		products:   xsync.NewMapOf[trackpoint.Product, struct{}](),
		hidDevices: xsync.NewMapOf[HidAddress, trackpointInfo](),
	}
	b.enumerate = b.enumerateHidDevices
	b.setProducts(nil)
	return b
}

func (b *Backend) Ready() <-chan struct{} {
	return b.ready
}

func (b *Backend) Start(ctx context.Context, publisher hidsvc.BackendPublisher) error {
	if err := hid.Init(); err != nil {
		return fmt.Errorf("failed to initialize hidapi: %w", err)
	}
	b.udev = &udev.Udev{}

	b.publisher = publisher

	b.log.Info("Starting Linux HID backend")
	select {
	case <-ctx.Done():
		return nil
	case <-b.config.Ready():
	}

	cfg, err := configsvc.Register(b.config, b.configPath, Config{}, func(cfg Config, err error) {
		b.onConfigChange(ctx, cfg, err)
	})
	if err != nil {
		return fmt.Errorf("failed to register device config: %w", err)
	}
	b.setProducts(cfg.Devices)

	err = b.refreshHidDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh HID devices: %w", err)
	}

	select {
	case <-b.ready:
	default:
		close(b.ready)
	}
	b.log.Info("Linux HID backend started")

	pollTicker := time.NewTicker(b.options.pollInterval)
	defer pollTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pollTicker.C:
			err := b.refreshHidDevices(ctx)
			if err != nil {
				b.log.Error("failed to refresh HID devices", zap.Error(err))
				continue
			}
		}
	}
}

func (b *Backend) onConfigChange(ctx context.Context, cfg Config, err error) {
	if err != nil {
		b.log.Error("failed to parse device config", zap.Error(err))
		return
	}
	b.setProducts(cfg.Devices)
	b.log.Info("Device config reloaded", zap.Int("extraDevices", len(cfg.Devices)))
	if err := b.refreshHidDevices(ctx); err != nil {
		b.log.Error("failed to refresh HID devices", zap.Error(err))
	}
}

func (b *Backend) setProducts(extra []trackpoint.Product) {
	products := make(map[trackpoint.Product]struct{}, len(trackpoint.KnownProducts)+len(extra))
	for _, p := range trackpoint.KnownProducts {
		products[p] = struct{}{}
	}
	for _, p := range extra {
		products[p] = struct{}{}
	}
	b.products.Range(func(p trackpoint.Product, _ struct{}) bool {
		if _, ok := products[p]; !ok {
			b.products.Delete(p)
		}
		return true
	})
	for p := range products {
		b.products.Store(p, struct{}{})
	}
}

func (b *Backend) refreshHidDevices(ctx context.Context) error {
	b.refreshMu.Lock()
	defer b.refreshMu.Unlock()
	newDevices, err := b.enumerate()
	if err != nil {
		return err
	}
	var disconnected []string
	var connected []hidsvc.BackendDevice
	b.hidDevices.Range(func(addr HidAddress, dev trackpointInfo) bool {
		if _, ok := newDevices[addr]; !ok {
			disconnected = append(disconnected, addr.String())
			b.hidDevices.Delete(addr)
			return true
		}
		delete(newDevices, addr)
		return true
	})

	for addr, device := range newDevices {
		b.hidDevices.Store(addr, device)
		connected = append(connected, hidsvc.BackendDevice{
			ID:        addr.String(),
			Name:      generateName(device.info),
			Kind:      device.kind,
			VendorID:  device.info.VendorID,
			ProductID: device.info.ProductID,
		})
	}

	if len(connected) > 0 || len(disconnected) > 0 {
		b.publisher(ctx, hidsvc.BackendEvent{
			InputsChanged: &hidsvc.BackendEventInputsChanged{
				Connected:    connected,
				Disconnected: disconnected,
			},
		})
	}

	return nil
}

func generateName(device hid.DeviceInfo) string {
	var parts []string
	if device.MfrStr != "" {
		parts = append(parts, device.MfrStr)
	}
	if device.ProductStr != "" {
		parts = append(parts, device.ProductStr)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%04x:%04x", device.VendorID, device.ProductID)
	}
	return strings.Join(parts, " ")
}

func (b *Backend) enumerateHidDevices() (map[HidAddress]trackpointInfo, error) {
	devices := make(map[HidAddress]trackpointInfo)
	err := hid.Enumerate(hid.VendorIDAny, hid.ProductIDAny, func(device *hid.DeviceInfo) error {
		product := trackpoint.Product{VendorID: device.VendorID, ProductID: device.ProductID}
		if _, ok := b.products.Load(product); !ok {
			return nil
		}
		if !trackpoint.Match(device.UsagePage, device.Usage) {
			return nil
		}
		addr := HidAddress{
			VendorID:  device.VendorID,
			ProductID: device.ProductID,
			Interface: device.InterfaceNbr,
		}
		devices[addr] = trackpointInfo{
			info: *device,
			kind: b.classify(device),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// classify determines the transport from the HID_ID bus of the hidraw node's
// parent, falling back to the usage page the reports arrive on.
func (b *Backend) classify(device *hid.DeviceInfo) gesture.DeviceKind {
	hidrawDev := b.udev.NewDeviceFromSubsystemSysname("hidraw", filepath.Base(device.Path))
	if hidrawDev != nil && hidrawDev.Parent() != nil {
		kind, err := KindFromHidID(hidrawDev.Parent().PropertyValue("HID_ID"))
		if err == nil {
			return kind
		}
		b.log.Debug("failed to classify device by HID_ID", zap.String("path", device.Path), zap.Error(err))
	}
	return KindFromUsagePage(device.UsagePage)
}

const (
	busUSB       = 0x03
	busBluetooth = 0x05
)

// KindFromHidID parses a udev HID_ID property ("BBBB:VVVVVVVV:PPPPPPPP").
func KindFromHidID(hidID string) (gesture.DeviceKind, error) {
	busStr, _, ok := strings.Cut(hidID, ":")
	if !ok {
		return 0, fmt.Errorf("invalid HID_ID %q", hidID)
	}
	bus, err := strconv.ParseUint(busStr, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid HID_ID bus %q: %w", busStr, err)
	}
	switch bus {
	case busUSB:
		return gesture.Wired, nil
	case busBluetooth:
		return gesture.Wireless, nil
	default:
		return 0, fmt.Errorf("unsupported bus %04x", bus)
	}
}

func KindFromUsagePage(usagePage uint16) gesture.DeviceKind {
	if usagePage == trackpoint.UsagePageWireless {
		return gesture.Wireless
	}
	return gesture.Wired
}

func (b *Backend) OpenInputDevice(id string) (hidsvc.InputDevice, error) {
	addr, err := ParseHidAddress(id)
	if err != nil {
		return nil, err
	}

	dev, ok := b.hidDevices.Load(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", hidsvc.ErrDeviceNotFound, id)
	}
	hidDev, err := hid.OpenPath(dev.info.Path)
	if err != nil {
		return nil, err
	}

	return &hidapiDevice{
		log:         b.log.With(zap.String("path", dev.info.Path)),
		info:        dev.info,
		dev:         hidDev,
		readTimeout: b.options.readTimeout,
		closed:      atomic.NewBool(false),
	}, nil
}

var errClosed = errors.New("device closed")

type hidapiDevice struct {
	log         *zap.Logger
	info        hid.DeviceInfo
	readTimeout time.Duration

	mu     sync.Mutex
	dev    *hid.Device
	closed *atomic.Bool
}

// Read blocks until a report arrives or the device is closed.
func (h *hidapiDevice) Read(buf []byte) (int, error) {
	for {
		if h.closed.Load() {
			return 0, errClosed
		}
		h.mu.Lock()
		if h.closed.Load() {
			h.mu.Unlock()
			return 0, errClosed
		}
		n, err := h.dev.ReadWithTimeout(buf, h.readTimeout)
		h.mu.Unlock()
		if errors.Is(err, hid.ErrTimeout) {
			continue
		}
		return n, err
	}
}

func (h *hidapiDevice) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dev.Close()
}

// OpenOutputDevice creates a uhid device named after id ("uhid:<name>").
func (b *Backend) OpenOutputDevice(id string, descriptor []byte) (hidsvc.OutputDevice, error) {
	name, ok := strings.CutPrefix(id, "uhid:")
	if !ok || name == "" {
		return nil, fmt.Errorf("invalid output device address: %s", id)
	}
	b.log.Debug("Uhid desc size", zap.Int("size", len(descriptor)))
	uhidDev, err := uhid.NewDevice(name, descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to create uhid device: %w", err)
	}

	uhidDev.Data.Bus = busUSB
	uhidDev.Data.VendorID = uint32(trackpoint.VendorLenovo)
	uhidDev.Data.ProductID = 0

	ctx, cancel := context.WithCancel(context.Background())
	events, err := uhidDev.Open(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open uhid device: %w", err)
	}

	dev := &uhidDevice{
		log:    b.log.Named("uhid").With(zap.String("name", name)),
		ctx:    ctx,
		cancel: cancel,
		dev:    uhidDev,
		events: events,
	}
	go dev.run()
	return dev, nil
}

type uhidDevice struct {
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	dev    *uhid.Device
	events chan uhid.Event
}

type UhidReportType uint8

const (
	UhidReportTypeFeature UhidReportType = 0
	UhidReportTypeOutput  UhidReportType = 1
	UhidReportTypeInput   UhidReportType = 2
)

type GetReportRequest struct {
	RequestID  uint32
	ReportID   uint8
	ReportType UhidReportType
}

const uhidReportSize = 4096

type GetReportReply struct {
	EventType uhid.EventType
	RequestID uint32
	Error     uint16
	Size      uint16
	Data      [uhidReportSize]byte
}

type SetReportRequest struct {
	RequestID  uint32
	ReportID   uint8
	ReportType UhidReportType
	Size       uint16
	Data       [uhidReportSize]byte
}

type SetReportReply struct {
	EventType uhid.EventType
	RequestID uint32
	Error     uint16
}

// run answers kernel requests. The virtual mouse has no feature or output
// reports, so every GET_REPORT and SET_REPORT is rejected.
func (h *uhidDevice) run() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case event, ok := <-h.events:
			if !ok {
				return
			}
			switch event.Type {
			case uhid.GetReport:
				getReport := GetReportRequest{}
				err := binary.Read(bytes.NewReader(event.Data), binary.LittleEndian, &getReport)
				if err != nil {
					h.log.Error("failed to read GetReport request", zap.Error(err))
					continue
				}
				h.log.Debug("GetReport request", zap.Any("request", getReport))
				err = h.dev.WriteEvent(GetReportReply{
					EventType: uhid.GetReportReply,
					RequestID: getReport.RequestID,
					Error:     1,
				})
				if err != nil {
					h.log.Error("failed to write GetReport reply", zap.Error(err))
				}
			case uhid.SetReport:
				setReport := SetReportRequest{}
				err := binary.Read(bytes.NewReader(event.Data), binary.LittleEndian, &setReport)
				if err != nil {
					h.log.Error("failed to read SetReport request", zap.Error(err))
					continue
				}
				h.log.Debug("SetReport request", zap.String("data", bits.New(setReport.Data[:min(int(setReport.Size), uhidReportSize)], 0).String()))
				err = h.dev.WriteEvent(SetReportReply{
					EventType: uhid.SetReportReply,
					RequestID: setReport.RequestID,
					Error:     1,
				})
				if err != nil {
					h.log.Error("failed to write SetReport reply", zap.Error(err))
				}
			default:
				h.log.Debug("uhid event", zap.Any("type", event.Type))
			}
		}
	}
}

func (h *uhidDevice) Close() error {
	h.cancel()
	return h.dev.Close()
}

func (h *uhidDevice) Write(buf []byte) (int, error) {
	err := h.dev.InjectEvent(buf)
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}
