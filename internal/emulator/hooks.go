package emulator

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Hook is a registered callback. Release deregisters it; releasing twice is a no-op.
// Callers acquire a hook and defer its Release so every exit path cleans up.
type Hook struct {
	Kind  string // "code", "mem-write" or "mmio"
	Begin uint64
	End   uint64 // inclusive

	emu      *Emulator
	handle   uc.Hook
	released bool
}

// Release removes the hook from the engine.
func (h *Hook) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	delete(h.emu.hooks, h)
	if h.emu.closed {
		return nil
	}
	if err := h.emu.mu.HookDel(h.handle); err != nil {
		return fmt.Errorf("release %s hook at 0x%x: %w", h.Kind, h.Begin, err)
	}
	return nil
}

// Released reports whether Release has been called.
func (h *Hook) Released() bool {
	return h.released
}

func (e *Emulator) track(kind string, begin, end uint64, handle uc.Hook) *Hook {
	h := &Hook{Kind: kind, Begin: begin, End: end, emu: e, handle: handle}
	e.hooks[h] = struct{}{}
	return h
}

// HookCode calls fn before each instruction in [begin, end] executes.
func (e *Emulator) HookCode(begin, end uint64, fn CodeHookFunc) (*Hook, error) {
	if e.closed {
		return nil, ErrClosed
	}
	handle, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		fn(addr, size)
	}, begin, end)
	if err != nil {
		return nil, fmt.Errorf("add code hook at 0x%x: %w", begin, err)
	}
	return e.track("code", begin, end, handle), nil
}

// HookMemWrite calls fn for every write into [begin, end].
func (e *Emulator) HookMemWrite(begin, end uint64, fn MemHookFunc) (*Hook, error) {
	if e.closed {
		return nil, ErrClosed
	}
	handle, err := e.mu.HookAdd(uc.HOOK_MEM_WRITE, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
		fn(addr, size, value)
	}, begin, end)
	if err != nil {
		return nil, fmt.Errorf("add memory write hook at 0x%x: %w", begin, err)
	}
	return e.track("mem-write", begin, end, handle), nil
}
