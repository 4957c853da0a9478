package simulation

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/fisim/internal/fault"
	"github.com/zboralski/fisim/internal/log"
	"github.com/zboralski/fisim/internal/trace"
)

// RecordTrace runs the program expected to fail with output suppressed and
// records every executed instruction. Faults in pre are injected during the
// run, which yields the candidates for a follow-up fault.
func (s *Session) RecordTrace(pre []fault.Descriptor) ([]fault.Candidate, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.prepare(false); err != nil {
		return nil, err
	}
	if err := s.SuppressOutput(); err != nil {
		return nil, err
	}
	if s.traceBuf == nil {
		s.traceBuf = trace.Map{}
	} else {
		s.traceBuf.Reset()
	}
	s.st.trace = s.traceBuf
	defer func() { s.st.trace = nil }()

	begin := s.img.LoadAddr
	end := s.img.LoadAddr + s.img.MemSize - 1
	h, err := s.emu.HookCode(begin, end, s.onTrace)
	if err != nil {
		return nil, fmt.Errorf("install trace hook: %w", err)
	}
	defer h.Release()
	s.log.HookInstall(h.Kind, h.Begin, h.End)

	release, err := s.installFaults(pre)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.execute(); err != nil {
		return nil, err
	}

	tlog := s.log.WithCategory("trace")
	tlog.Debug("trace recorded",
		zap.Int("addresses", len(s.st.trace)),
		zap.Int("executed", s.st.trace.Total()),
		log.State(s.st.run),
	)
	return s.st.trace.Candidates(), nil
}

// onTrace counts one execution. An instruction about to be replaced by a
// fault is counted when it runs after the patch.
func (s *Session) onTrace(addr uint64, size uint32) {
	if s.st.trace == nil || s.st.restart || s.st.armedAt(addr) {
		return
	}
	n, err := fault.InstructionSize(s.emu, addr)
	if err != nil {
		n = int(size)
	}
	s.st.trace.Hit(addr, n)
}
