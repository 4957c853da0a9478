package simulation

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zboralski/fisim/internal/emulator"
	"github.com/zboralski/fisim/internal/fault"
	"github.com/zboralski/fisim/internal/log"
)

// RunState is the verdict of a run.
type RunState int

const (
	Init    RunState = iota // no verdict yet
	Success                 // auth trigger received the success value
	Failed                  // rejected, or no verdict within budget
	Error                   // unexpected auth value or emulation error
)

func (r RunState) String() string {
	switch r {
	case Init:
		return "init"
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Error:
		return "error"
	}
	return fmt.Sprintf("RunState(%d)", int(r))
}

// execute runs from the session PC using the configured mode and
// classifies the outcome. Only harness failures are returned as errors.
func (s *Session) execute() error {
	var err error
	if s.cfg.Run.SingleStep {
		err = s.runSingleStep()
	} else {
		err = s.runBulk()
	}
	if err != nil {
		return err
	}
	if s.st.run == Init {
		s.st.run = Failed
		s.log.Verdict(s.st.run, "no verdict within budget", log.Ptr("pc", s.pc))
	}
	return nil
}

// emulationFailed records a backend error as the run verdict unless a hook
// already decided it.
func (s *Session) emulationFailed(err error) {
	if s.st.run != Init {
		return
	}
	s.st.run = Error
	fields := append([]zap.Field{log.Ptr("pc", s.pc), zap.Error(err)}, s.registers()...)
	s.log.Verdict(s.st.run, "emulation error", fields...)
}

// registers returns r0-r3 and sp as log fields. Unreadable registers are left out.
func (s *Session) registers() []zap.Field {
	var fields []zap.Field
	for n := 0; n < 4; n++ {
		if v, err := s.emu.Reg(n); err == nil {
			fields = append(fields, log.Ptr(fmt.Sprintf("r%d", n), v))
		}
	}
	if sp, err := s.emu.SP(); err == nil {
		fields = append(fields, log.Ptr("sp", sp))
	}
	return fields
}

// runSingleStep executes one instruction per backend call and stops as soon
// as a verdict is set or the program end is reached.
func (s *Session) runSingleStep() error {
	deadline := time.Now().Add(s.cfg.Run.Timeout)
	end := s.img.End()
	for i := uint64(0); i < s.cfg.Run.MaxInstructions && s.st.run == Init; i++ {
		if s.pc == end {
			s.log.Debug("reached program end", log.Ptr("pc", s.pc), zap.Uint64("steps", i))
			return nil
		}
		if time.Now().After(deadline) {
			s.log.Debug("timeout", log.Ptr("pc", s.pc), zap.Uint64("steps", i))
			return nil
		}
		s.st.restart = false
		stepErr := s.emu.Step(s.pc, end)

		pc, err := s.emu.PC()
		if err != nil {
			return fmt.Errorf("read pc: %w", err)
		}
		s.pc = pc
		if stepErr != nil {
			s.emulationFailed(stepErr)
			return nil
		}
	}
	return nil
}

// runBulk runs to the image end within the instruction and time budgets.
// A fault hook that patched code stops the engine; the run then resumes
// from the persisted PC so the patched bytes are fetched.
func (s *Session) runBulk() error {
	resumes := len(s.st.faults)
	for {
		s.st.restart = false
		runErr := s.emu.Run(s.pc, s.img.End(), s.cfg.Run.Timeout, s.cfg.Run.MaxInstructions)

		pc, err := s.emu.PC()
		if err != nil {
			return fmt.Errorf("read pc: %w", err)
		}
		s.pc = pc
		if runErr != nil {
			s.emulationFailed(runErr)
			return nil
		}
		if !s.st.restart || s.st.run != Init || resumes == 0 {
			return nil
		}
		resumes--
		s.log.Debug("resume after fault", log.Ptr("pc", s.pc))
	}
}

// installFaults computes each fault's record from current memory and hooks
// its address. The returned release function removes every hook.
func (s *Session) installFaults(faults []fault.Descriptor) (release func(), err error) {
	var hooks []*emulator.Hook
	release = func() {
		for _, h := range hooks {
			if err := h.Release(); err != nil {
				s.log.Debug("release fault hook", zap.Error(err))
			}
		}
		hooks = nil
	}

	for _, d := range faults {
		rec, err := fault.Mutate(s.emu, d)
		if err != nil {
			release()
			return nil, err
		}
		af := &activeFault{rec: rec}
		s.st.faults = append(s.st.faults, af)

		h, err := s.emu.HookCode(d.Address, d.Address, func(addr uint64, size uint32) {
			s.onFault(af)
		})
		if err != nil {
			release()
			return nil, fmt.Errorf("install %s: %w", d, err)
		}
		hooks = append(hooks, h)
		s.log.Debug("fault armed", log.Fault(d), log.Bytes("original", rec.Original), log.Bytes("mutated", rec.Mutated))
	}
	return release, nil
}

// onFault patches the code on the first execution of the faulted address and
// stops the engine before the original instruction runs.
func (s *Session) onFault(af *activeFault) {
	if af.applied {
		return
	}
	af.applied = true
	if err := fault.Apply(s.emu, af.rec); err != nil {
		s.emulationFailed(err)
		s.emu.Stop()
		return
	}
	s.st.restart = true
	s.log.Debug("fault injected", log.Fault(af.rec.Fault))
	s.emu.Stop()
}

// Run loads the original program and runs it once. expectSuccess selects
// whether the flash-load breakpoint stages a valid boot image.
func (s *Session) Run(expectSuccess bool) (RunState, error) {
	if s.closed {
		return Init, ErrClosed
	}
	if err := s.prepare(expectSuccess); err != nil {
		return Init, err
	}
	if err := s.execute(); err != nil {
		return Init, err
	}
	return s.st.run, nil
}

// CheckProgram verifies the unfaulted program passes with a valid image
// and fails with an invalid one.
func (s *Session) CheckProgram() error {
	for _, tc := range []struct {
		expectSuccess bool
		want          RunState
	}{
		{true, Success},
		{false, Failed},
	} {
		got, err := s.Run(tc.expectSuccess)
		if err != nil {
			return err
		}
		if got != tc.want {
			return fmt.Errorf("%w: run with valid image=%t ended %s, want %s",
				ErrProgramCheck, tc.expectSuccess, got, tc.want)
		}
		s.log.Debug("program check", zap.Bool("valid_image", tc.expectSuccess), log.State(got))
	}
	return nil
}
