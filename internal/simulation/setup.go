package simulation

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/fisim/internal/emulator"
	"github.com/zboralski/fisim/internal/fault"
	"github.com/zboralski/fisim/internal/log"
)

// Region names used for mapping and snapshots.
const (
	RegionCode   = "code"
	RegionStack  = "stack"
	RegionBoot   = "boot"
	RegionAuth   = "auth"
	RegionSerial = "serial"
)

func alignDown(v, page uint64) uint64 { return v &^ (page - 1) }
func alignUp(v, page uint64) uint64   { return alignDown(v+page-1, page) }

// codeSpan returns the code mapping: from the page holding the load address
// up to the program end plus one page, rounded down.
func (s *Session) codeSpan() (base, size uint64) {
	page := s.cfg.Target.PageSize
	n := s.img.MemSize
	if s.img.FileSize > n {
		n = s.img.FileSize
	}
	base = alignDown(s.img.LoadAddr, page)
	end := alignDown(s.img.LoadAddr+n+page, page)
	return base, end - base
}

// mapRegions maps the five session regions. Serial writes go to onSerial.
func (s *Session) mapRegions() error {
	t := s.cfg.Target
	page := t.PageSize

	codeBase, codeSize := s.codeSpan()
	maps := []struct {
		name       string
		base, size uint64
		perm       emulator.Perm
	}{
		{RegionBoot, t.BootStageBase, page, emulator.PermRead | emulator.PermWrite},
		{RegionCode, codeBase, codeSize, emulator.PermAll},
		{RegionStack, t.StackBase, alignUp(t.StackSize, page), emulator.PermRead | emulator.PermWrite},
		{RegionAuth, t.AuthBase, page, emulator.PermWrite},
	}
	for _, m := range maps {
		if err := s.emu.MapRegion(m.name, m.base, m.size, m.perm); err != nil {
			return err
		}
		s.log.Debug("mapped region",
			zap.String("name", m.name),
			log.Ptr("base", m.base),
			log.Size(m.size),
			zap.Stringer("perm", m.perm),
		)
	}

	h, err := s.emu.MapMMIO(RegionSerial, t.SerialBase, page, s.onSerial)
	if err != nil {
		return err
	}
	s.breakpoints = append(s.breakpoints, h)
	return nil
}

// installBreakpoints adds the permanent flash-load and auth-trigger hooks.
func (s *Session) installBreakpoints() error {
	t := s.cfg.Target

	flash, err := s.emu.HookCode(s.img.FlashLoad, s.img.FlashLoad, s.onFlashLoad)
	if err != nil {
		return fmt.Errorf("flash load breakpoint: %w", err)
	}
	s.breakpoints = append(s.breakpoints, flash)
	s.log.HookInstall(flash.Kind, flash.Begin, flash.End)

	auth, err := s.emu.HookMemWrite(t.AuthBase, t.AuthBase+3, s.onAuth)
	if err != nil {
		return fmt.Errorf("auth breakpoint: %w", err)
	}
	s.breakpoints = append(s.breakpoints, auth)
	s.log.HookInstall(auth.Kind, auth.Begin, auth.End)
	return nil
}

// onFlashLoad stages the boot image marker the firmware checks after loading.
// A run expected to fail sees the complement of the valid marker.
func (s *Session) onFlashLoad(addr uint64, size uint32) {
	value := s.cfg.Target.BootImageValue
	if !s.st.expectSuccess {
		value = ^value
	}
	if err := s.emu.MemWriteU32(s.cfg.Target.BootStageBase, value); err != nil {
		s.log.Debug("stage boot image failed", log.Addr(addr), zap.Error(err))
		s.st.run = Error
		s.emu.Stop()
		return
	}
	s.log.Debug("boot image staged", log.Addr(addr), log.Ptr("value", uint64(value)))
}

// onAuth decides the run verdict from the value written to the auth trigger.
func (s *Session) onAuth(addr uint64, size int, value int64) {
	t := s.cfg.Target
	switch uint32(value) {
	case t.SuccessValue:
		s.st.run = Success
	case t.FailedValue:
		s.st.run = Failed
	default:
		s.st.run = Error
	}
	s.log.Verdict(s.st.run, "auth trigger", log.Ptr("value", uint64(uint32(value))))
	s.emu.Stop()
}

// onSerial forwards serial output while printing is enabled.
func (s *Session) onSerial(addr uint64, size int, value int64) {
	if !s.st.printOutput {
		return
	}
	c := byte(value)
	s.serialLog.Debug("serial", zap.String("char", string(rune(c))))
	if _, err := s.serial.Write([]byte{c}); err != nil {
		s.serialLog.Debug("serial write failed", zap.Error(err))
	}
}

// initRegisters clears every register, sets the stack pointer and rewinds
// the session PC to the load address.
func (s *Session) initRegisters() error {
	if err := s.emu.ZeroRegisters(); err != nil {
		return err
	}
	if err := s.emu.SetSP(s.cfg.Target.StackTop()); err != nil {
		return fmt.Errorf("set sp: %w", err)
	}
	if err := s.emu.SetPC(s.img.LoadAddr | 1); err != nil {
		return fmt.Errorf("set pc: %w", err)
	}
	s.pc = s.img.LoadAddr
	return nil
}

// loadCode writes the program verbatim and clears the boot stage scratch
// and the stack.
func (s *Session) loadCode() error {
	t := s.cfg.Target
	if err := s.emu.MemWrite(s.img.LoadAddr, s.img.Program); err != nil {
		return fmt.Errorf("load code at 0x%x: %w", s.img.LoadAddr, err)
	}
	if err := s.emu.MemWrite(t.BootStageBase, make([]byte, t.PageSize)); err != nil {
		return fmt.Errorf("clear boot stage: %w", err)
	}
	if err := s.emu.MemWrite(t.StackBase, make([]byte, alignUp(t.StackSize, t.PageSize))); err != nil {
		return fmt.Errorf("clear stack: %w", err)
	}
	return nil
}

// prepare resets the session for a fresh run of the original program.
func (s *Session) prepare(expectSuccess bool) error {
	s.st.reset(expectSuccess)
	if err := s.initRegisters(); err != nil {
		return err
	}
	return s.loadCode()
}

// SuppressOutput patches the serial output routine to return immediately
// and stops forwarding serial writes. It lasts until the next program load.
func (s *Session) SuppressOutput() error {
	if s.closed {
		return ErrClosed
	}
	if err := s.emu.MemWrite(s.img.SerialOut, fault.Return); err != nil {
		return fmt.Errorf("patch serial output at 0x%x: %w", s.img.SerialOut, err)
	}
	s.st.printOutput = false
	return nil
}
