package emulator

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Snapshot is a saved CPU context plus the contents of selected regions.
// Unlike a bare unicorn context it also carries memory, so code patched
// during a run is put back on Restore.
type Snapshot struct {
	ctx uc.Context
	mem []savedRegion
}

type savedRegion struct {
	base uint64
	data []byte
}

// Save captures the register context and the contents of the named regions.
func (e *Emulator) Save(regions ...string) (*Snapshot, error) {
	if e.closed {
		return nil, ErrClosed
	}
	ctx, err := e.mu.ContextSave(nil)
	if err != nil {
		return nil, fmt.Errorf("save context: %w", err)
	}

	snap := &Snapshot{ctx: ctx}
	for _, name := range regions {
		r, ok := e.Region(name)
		if !ok {
			return nil, fmt.Errorf("save context: no region %q", name)
		}
		data, err := e.mu.MemRead(r.Base, r.Size)
		if err != nil {
			return nil, fmt.Errorf("save %s (0x%x): %w", name, r.Base, err)
		}
		snap.mem = append(snap.mem, savedRegion{base: r.Base, data: data})
	}
	return snap, nil
}

// Restore reloads the register context and region contents from snap.
func (e *Emulator) Restore(snap *Snapshot) error {
	if e.closed {
		return ErrClosed
	}
	if err := e.mu.ContextRestore(snap.ctx); err != nil {
		return fmt.Errorf("restore context: %w", err)
	}
	for _, m := range snap.mem {
		if err := e.mu.MemWrite(m.base, m.data); err != nil {
			return fmt.Errorf("restore memory at 0x%x: %w", m.base, err)
		}
	}
	return nil
}
