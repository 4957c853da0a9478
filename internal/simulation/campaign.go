package simulation

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/fisim/internal/fault"
	"github.com/zboralski/fisim/internal/log"
)

// snapshotClean captures the program as loaded for a run expected to fail,
// with output suppressed. Every trial starts from it.
func (s *Session) snapshotClean() error {
	if s.clean != nil {
		return nil
	}
	if err := s.prepare(false); err != nil {
		return err
	}
	if err := s.SuppressOutput(); err != nil {
		return err
	}
	snap, err := s.emu.Save(RegionCode, RegionStack, RegionBoot)
	if err != nil {
		return fmt.Errorf("snapshot clean state: %w", err)
	}
	s.clean = snap
	return nil
}

// restoreClean rewinds memory, registers and session state to the clean snapshot.
func (s *Session) restoreClean() error {
	if err := s.snapshotClean(); err != nil {
		return err
	}
	if err := s.emu.Restore(s.clean); err != nil {
		return err
	}
	s.st.reset(false)
	s.st.printOutput = false
	s.pc = s.img.LoadAddr
	return nil
}

// RunTrial runs the program expected to fail with every fault injected and
// returns the verdict. Records are returned only when the trial succeeded.
// A fault that cannot be built at its address ends the trial as Error.
// It panics if a descriptor is unresolved.
func (s *Session) RunTrial(faults []fault.Descriptor) (RunState, []fault.Record, error) {
	if s.closed {
		return Init, nil, ErrClosed
	}
	if err := s.restoreClean(); err != nil {
		return Init, nil, err
	}

	release, err := s.installFaults(faults)
	var mutErr *fault.MutationError
	if errors.As(err, &mutErr) {
		s.st.run = Error
		s.log.Verdict(s.st.run, "fault not applicable", log.Fault(mutErr.Fault), zap.Error(mutErr.Err))
		return Error, nil, nil
	}
	if err != nil {
		return Init, nil, err
	}
	defer release()

	if err := s.execute(); err != nil {
		return Init, nil, err
	}
	if s.st.run != Success {
		return s.st.run, nil, nil
	}

	records := s.Faults()
	for _, rec := range records {
		s.log.Info("fault bypassed check", log.Fault(rec.Fault), zap.Int("faults", len(records)))
	}
	return Success, records, nil
}

// RunWithFaults runs every trial in order, each from the clean snapshot,
// and returns the records of the trials that succeeded. It returns nil when
// none did.
func (s *Session) RunWithFaults(trials [][]fault.Descriptor) ([][]fault.Record, error) {
	var out [][]fault.Record
	for _, faults := range trials {
		state, records, err := s.RunTrial(faults)
		if err != nil {
			return nil, err
		}
		if state == Success {
			out = append(out, records)
		}
	}
	return out, nil
}
