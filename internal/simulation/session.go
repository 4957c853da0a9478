// Package simulation runs firmware under a CPU emulator with simulated
// faults and classifies how each run ends.
package simulation

import (
	"errors"
	"fmt"
	"io"

	"github.com/zboralski/fisim/internal/config"
	"github.com/zboralski/fisim/internal/emulator"
	"github.com/zboralski/fisim/internal/fault"
	"github.com/zboralski/fisim/internal/firmware"
	"github.com/zboralski/fisim/internal/log"
	"github.com/zboralski/fisim/internal/trace"
)

var (
	// ErrProgramCheck is returned when the unfaulted program does not pass
	// with a valid image and fail with an invalid one.
	ErrProgramCheck = errors.New("program check failed")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// activeFault is a fault hook's record and whether it has fired.
type activeFault struct {
	rec     fault.Record
	applied bool
}

// state is everything the hooks of one session read and write.
type state struct {
	run           RunState
	expectSuccess bool
	printOutput   bool
	trace         trace.Map // nil outside trace runs
	faults        []*activeFault
	restart       bool // a fault mutated code and stopped the engine
}

func (st *state) reset(expectSuccess bool) {
	st.run = Init
	st.expectSuccess = expectSuccess
	st.printOutput = true
	st.trace = nil
	st.faults = nil
	st.restart = false
}

// armedAt reports whether a fault at addr has not fired yet.
func (st *state) armedAt(addr uint64) bool {
	for _, f := range st.faults {
		if !f.applied && f.rec.Address() == addr {
			return true
		}
	}
	return false
}

// Session owns one emulator loaded with one image. It is not safe for
// concurrent use; run sessions in parallel instead.
type Session struct {
	emu *emulator.Emulator
	img *firmware.Image
	cfg *config.Config

	log       *log.Logger
	serialLog *log.Logger
	serial    io.Writer

	st          state
	traceBuf    trace.Map // reused across trace runs
	pc          uint64
	breakpoints []*emulator.Hook
	clean       *emulator.Snapshot
	closed      bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithSerial sets where serial output of printing runs is written.
func WithSerial(w io.Writer) Option {
	return func(s *Session) { s.serial = w }
}

// New creates an emulator, maps the session regions and installs the
// permanent breakpoints. Close must be called to release them.
func New(img *firmware.Image, cfg *config.Config, opts ...Option) (*Session, error) {
	s := &Session{
		img:    img,
		cfg:    cfg,
		log:    log.Get(),
		serial: io.Discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.serialLog = s.log.WithCategory("serial")
	s.log = s.log.WithCategory("session")

	emu, err := emulator.New()
	if err != nil {
		return nil, err
	}
	s.emu = emu

	if err := s.mapRegions(); err != nil {
		s.Close()
		return nil, fmt.Errorf("setup memory: %w", err)
	}
	if err := s.installBreakpoints(); err != nil {
		s.Close()
		return nil, fmt.Errorf("setup breakpoints: %w", err)
	}
	return s, nil
}

// Close releases the breakpoints and the emulator. It is safe to call twice.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, h := range s.breakpoints {
		if err := h.Release(); err != nil {
			errs = append(errs, err)
		}
		s.log.HookRelease(h.Kind, h.Begin)
	}
	s.breakpoints = nil
	if err := s.emu.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Image returns the image under test.
func (s *Session) Image() *firmware.Image {
	return s.img
}

// State returns the verdict of the last run.
func (s *Session) State() RunState {
	return s.st.run
}

// Faults returns the records of the faults armed for the last run, in
// injection order.
func (s *Session) Faults() []fault.Record {
	out := make([]fault.Record, len(s.st.faults))
	for i, af := range s.st.faults {
		out[i] = af.rec
	}
	return out
}

// Regions returns the memory map of the session.
func (s *Session) Regions() []emulator.Region {
	return s.emu.Regions()
}
