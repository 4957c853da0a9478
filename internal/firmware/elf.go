package firmware

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

// Segment represents a loadable ELF segment
type Segment struct {
	VAddr  uint64
	PAddr  uint64
	Offset uint64
	Size   uint64 // File size
	MemSz  uint64 // Memory size (may be larger due to .bss)
	Flags  elf.ProgFlag
}

// LoadELF loads a 32-bit ARM ELF image. The first PT_LOAD segment carrying
// file data is the program; it is placed at its physical address.
// flashSym and serialSym name the required entry points.
func LoadELF(path, flashSym, serialSym string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("expected 32-bit ELF, got %v", f.Class)
	}
	if f.Machine != elf.EM_ARM {
		return nil, fmt.Errorf("expected ARM (EM_ARM), got %v", f.Machine)
	}

	img := &Image{
		Path:    path,
		Entry:   f.Entry,
		Symbols: make(map[string]uint64),
	}

	var text *elf.Prog
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		img.Segments = append(img.Segments, Segment{
			VAddr:  prog.Vaddr,
			PAddr:  prog.Paddr,
			Offset: prog.Off,
			Size:   prog.Filesz,
			MemSz:  prog.Memsz,
			Flags:  prog.Flags,
		})
		if text == nil && prog.Filesz > 0 {
			text = prog
		}
	}
	if text == nil {
		return nil, fmt.Errorf("no PT_LOAD segment with file data")
	}

	data := make([]byte, text.Filesz)
	if _, err := text.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read segment at 0x%x: %w", text.Paddr, err)
	}
	img.LoadAddr = text.Paddr
	img.Program = data
	img.FileSize = text.Filesz
	img.MemSize = text.Memsz

	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("read symbols: %w", err)
	}
	for _, sym := range syms {
		if sym.Value != 0 && sym.Name != "" {
			img.Symbols[sym.Name] = sym.Value
		}
	}

	if err := img.resolveEntries(flashSym, serialSym); err != nil {
		return nil, err
	}
	return img, nil
}
