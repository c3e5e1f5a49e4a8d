// Package remapper runs the event loop that feeds TrackPoint reports from
// every connected keyboard through one gesture machine and injects the
// resulting mouse actions into a virtual mouse.
package remapper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/neuroplastio/tpmiddle/internal/gesture"
	"github.com/neuroplastio/tpmiddle/internal/hidsvc"
	"github.com/neuroplastio/tpmiddle/internal/injector"
	"github.com/neuroplastio/tpmiddle/internal/trackpoint"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// HID is the part of the HID service the remapper depends on.
type HID interface {
	Ready() <-chan struct{}
	SubscribeInputs(ctx context.Context) <-chan hidsvc.InputMessage
	ConnectedInputs() []hidsvc.HidInputDevice
	OpenInputDevice(addr hidsvc.Address) (hidsvc.InputDevice, error)
	OpenOutputDevice(addr hidsvc.Address, descriptor []byte) (hidsvc.OutputDevice, error)
}

type Stats struct {
	Events   int64
	Actions  int64
	Failures int64
}

type Service struct {
	log     *zap.Logger
	hid     HID
	output  hidsvc.Address
	machine *gesture.Machine
	ready   chan struct{}

	inputs   chan gesture.Input
	detached chan *reader

	events   *atomic.Int64
	actions  *atomic.Int64
	failures *atomic.Int64
}

type Option func(*Service)

// WithClock replaces the clock used to time button presses.
func WithClock(clock gesture.Clock) Option {
	return func(s *Service) {
		s.machine = gesture.NewMachine(clock)
	}
}

// WithOutput sets the address of the virtual mouse.
func WithOutput(addr hidsvc.Address) Option {
	return func(s *Service) {
		s.output = addr
	}
}

func New(log *zap.Logger, hid HID, opts ...Option) *Service {
	s := &Service{
		log:      log,
		hid:      hid,
		output:   hidsvc.Address{Backend: "linux", ID: "uhid:tpmiddle"},
		machine:  gesture.NewMachine(nil),
		ready:    make(chan struct{}),
		inputs:   make(chan gesture.Input, 64),
		detached: make(chan *reader),
		events:   atomic.NewInt64(0),
		actions:  atomic.NewInt64(0),
		failures: atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) Stats() Stats {
	return Stats{
		Events:   s.events.Load(),
		Actions:  s.actions.Load(),
		Failures: s.failures.Load(),
	}
}

// Start opens the virtual mouse and processes input until ctx is done.
// The gesture machine is only ever touched from this goroutine.
func (s *Service) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.hid.Ready():
	}

	out, err := s.hid.OpenOutputDevice(s.output, injector.ReportDescriptor)
	if err != nil {
		return fmt.Errorf("failed to open virtual mouse %s: %w", s.output, err)
	}
	defer out.Close()
	inj := injector.New(s.log.Named("injector"), out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	deviceEvents := s.hid.SubscribeInputs(ctx)

	readers := make(map[hidsvc.Address]*reader)
	var wg sync.WaitGroup
	defer func() {
		for _, r := range readers {
			r.stop()
		}
		wg.Wait()
		stats := s.Stats()
		s.log.Info("Remapper stopped",
			zap.Int64("events", stats.Events),
			zap.Int64("actions", stats.Actions),
			zap.Int64("failures", stats.Failures))
	}()

	attach := func(dev hidsvc.HidInputDevice) {
		if _, ok := readers[dev.Address]; ok {
			return
		}
		in, err := s.hid.OpenInputDevice(dev.Address)
		if err != nil {
			s.log.Error("Failed to open input device", zap.Stringer("addr", dev.Address), zap.Error(err))
			return
		}
		readerCtx, stop := context.WithCancel(ctx)
		r := &reader{dev: dev, in: in, stop: stop}
		readers[dev.Address] = r
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.read(readerCtx, r)
		}()
		s.log.Info("Input device attached", zap.Stringer("addr", dev.Address), zap.String("name", dev.Name), zap.Stringer("kind", dev.Kind))
	}
	detach := func(addr hidsvc.Address) {
		r, ok := readers[addr]
		if !ok {
			return
		}
		r.stop()
		delete(readers, addr)
		s.log.Info("Input device detached", zap.Stringer("addr", addr))
	}

	for _, dev := range s.hid.ConnectedInputs() {
		attach(dev)
	}
	close(s.ready)
	s.log.Info("Remapper started", zap.Stringer("output", s.output))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deviceEvents:
			if !ok {
				return nil
			}
			switch msg.Key.Type {
			case hidsvc.InputConnected:
				attach(msg.Message.Device)
			case hidsvc.InputDisconnected:
				detach(msg.Key.Addr)
			}
		case r := <-s.detached:
			if readers[r.dev.Address] == r {
				detach(r.dev.Address)
			}
		case in := <-s.inputs:
			s.handle(inj, in)
		}
	}
}

func (s *Service) handle(inj *injector.Injector, in gesture.Input) {
	defer s.events.Inc()
	before := s.machine.Mode()
	actions := s.machine.Handle(in)
	if ce := s.log.Check(zap.DebugLevel, "event"); ce != nil {
		ce.Write(zap.Stringer("input", in), zap.Stringer("from", before), zap.Stringer("to", s.machine.Mode()), zap.Int("actions", len(actions)))
	}
	for _, action := range actions {
		if err := inj.Inject(action); err != nil {
			s.failures.Inc()
			s.log.Error("Failed to inject action", zap.Stringer("action", action), zap.Error(err))
			continue
		}
		s.actions.Inc()
	}
}

const maxReportSize = 64

// reader is one attached input device.
type reader struct {
	dev  hidsvc.HidInputDevice
	in   hidsvc.InputDevice
	stop context.CancelFunc
}

func (s *Service) read(ctx context.Context, r *reader) {
	dev := r.dev
	go func() {
		<-ctx.Done()
		r.in.Close()
	}()
	buf := make([]byte, maxReportSize)
	for {
		n, err := r.in.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.Error("Failed to read from device, releasing", zap.Stringer("addr", dev.Address), zap.Error(err))
			}
			select {
			case s.detached <- r:
			case <-ctx.Done():
			}
			return
		}
		input, ok := trackpoint.Decode(buf[:n], dev.Kind)
		if !ok {
			continue
		}
		select {
		case s.inputs <- input:
		case <-ctx.Done():
			return
		}
	}
}
