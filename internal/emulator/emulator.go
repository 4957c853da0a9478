// Package emulator provides ARMv8-M (Thumb) emulation using Unicorn Engine.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Perm is a memory permission set.
type Perm int

const (
	PermRead  Perm = uc.PROT_READ
	PermWrite Perm = uc.PROT_WRITE
	PermExec  Perm = uc.PROT_EXEC
	PermAll   Perm = uc.PROT_ALL
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// ErrClosed is returned by operations on a closed emulator.
var ErrClosed = errors.New("emulator closed")

// Region is a mapped memory range.
type Region struct {
	Name string
	Base uint64
	Size uint64
	Perm Perm
	MMIO bool
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Base + r.Size
}

// Contains reports whether addr lies inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

// CodeHookFunc is called before an instruction in the hooked range executes.
type CodeHookFunc func(addr uint64, size uint32)

// MemHookFunc is called when memory in the hooked range is written.
type MemHookFunc func(addr uint64, size int, value int64)

// Emulator wraps Unicorn for 32-bit little-endian Thumb (M-class) emulation.
// An Emulator is not safe for concurrent use.
type Emulator struct {
	mu      uc.Unicorn
	regions []Region
	hooks   map[*Hook]struct{}
	closed  bool
}

// New creates a new Thumb M-class emulator with no memory mapped.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM, uc.MODE_THUMB|uc.MODE_MCLASS|uc.MODE_LITTLE_ENDIAN)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	return &Emulator{
		mu:    mu,
		hooks: make(map[*Hook]struct{}),
	}, nil
}

// Close releases every outstanding hook and then the engine.
func (e *Emulator) Close() error {
	if e.closed {
		return nil
	}
	var errs []error
	for _, h := range e.outstanding() {
		if err := h.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closed = true
	if err := e.mu.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// outstanding returns live hooks ordered by begin address so teardown is deterministic.
func (e *Emulator) outstanding() []*Hook {
	hooks := make([]*Hook, 0, len(e.hooks))
	for h := range e.hooks {
		hooks = append(hooks, h)
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].Begin < hooks[j].Begin })
	return hooks
}

// HookCount returns the number of hooks not yet released.
func (e *Emulator) HookCount() int {
	return len(e.hooks)
}

// MapRegion maps a named region with the given permissions.
func (e *Emulator) MapRegion(name string, base, size uint64, perm Perm) error {
	if e.closed {
		return ErrClosed
	}
	for _, r := range e.regions {
		if base < r.End() && r.Base < base+size {
			return fmt.Errorf("map %s (0x%x): overlaps %s", name, base, r.Name)
		}
	}
	if err := e.mu.MemMapProt(base, size, int(perm)); err != nil {
		return fmt.Errorf("map %s (0x%x): %w", name, base, err)
	}
	e.regions = append(e.regions, Region{Name: name, Base: base, Size: size, Perm: perm})
	return nil
}

// MapMMIO maps a region whose writes are delivered to onWrite.
// The returned hook must be released by the caller.
func (e *Emulator) MapMMIO(name string, base, size uint64, onWrite MemHookFunc) (*Hook, error) {
	if err := e.MapRegion(name, base, size, PermRead|PermWrite); err != nil {
		return nil, err
	}
	e.regions[len(e.regions)-1].MMIO = true

	h, err := e.HookMemWrite(base, base+size-1, onWrite)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", name, err)
	}
	h.Kind = "mmio"
	return h, nil
}

// Regions returns the mapped regions.
func (e *Emulator) Regions() []Region {
	return append([]Region{}, e.regions...)
}

// Region returns the named region.
func (e *Emulator) Region(name string) (Region, bool) {
	for _, r := range e.regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// ZeroRegisters clears r0-r12, sp, lr and pc.
func (e *Emulator) ZeroRegisters() error {
	for n := 0; n <= 12; n++ {
		if err := e.SetReg(n, 0); err != nil {
			return fmt.Errorf("clear r%d: %w", n, err)
		}
	}
	if err := e.SetSP(0); err != nil {
		return fmt.Errorf("clear sp: %w", err)
	}
	if err := e.mu.RegWrite(uc.ARM_REG_LR, 0); err != nil {
		return fmt.Errorf("clear lr: %w", err)
	}
	if err := e.SetPC(0); err != nil {
		return fmt.Errorf("clear pc: %w", err)
	}
	return nil
}

// Reg reads general-purpose register R0-R12
func (e *Emulator) Reg(n int) (uint64, error) {
	if n < 0 || n > 12 {
		return 0, fmt.Errorf("invalid register r%d", n)
	}
	return e.mu.RegRead(uc.ARM_REG_R0 + n)
}

// SetReg writes general-purpose register R0-R12
func (e *Emulator) SetReg(n int, val uint64) error {
	if n < 0 || n > 12 {
		return fmt.Errorf("invalid register r%d", n)
	}
	return e.mu.RegWrite(uc.ARM_REG_R0+n, val)
}

// PC returns the program counter
func (e *Emulator) PC() (uint64, error) {
	return e.mu.RegRead(uc.ARM_REG_PC)
}

// SetPC sets the program counter
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM_REG_PC, val)
}

// SP returns the stack pointer
func (e *Emulator) SP() (uint64, error) {
	return e.mu.RegRead(uc.ARM_REG_SP)
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.ARM_REG_SP, val)
}

// Step executes at most one instruction starting at pc. Nothing executes
// when pc equals until.
func (e *Emulator) Step(pc, until uint64) error {
	return e.mu.StartWithOptions(pc|1, until, &uc.UcOptions{Count: 1})
}

// Run executes from pc until the until address is reached, count instructions
// have executed or timeout elapses. A zero count or timeout means unbounded.
func (e *Emulator) Run(pc, until uint64, timeout time.Duration, count uint64) error {
	return e.mu.StartWithOptions(pc|1, until, &uc.UcOptions{
		Timeout: uint64(timeout / time.Microsecond),
		Count:   count,
	})
}

// Stop stops emulation. Inside a code hook the hooked instruction is not executed.
func (e *Emulator) Stop() error {
	return e.mu.Stop()
}
