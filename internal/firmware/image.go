// Package firmware describes the firmware image under test and loads it from ELF files.
package firmware

import (
	"errors"
	"fmt"
	"sort"
)

// ErrSymbolNotFound is returned when a required entry point is missing.
var ErrSymbolNotFound = errors.New("symbol not found")

// Default entry point symbol names of the reference bootloader harness.
const (
	DefaultFlashLoadSymbol = "flash_load_img"
	DefaultSerialSymbol    = "serial_puts"
)

// Image is a loaded firmware image. It is not modified after loading.
type Image struct {
	Path      string
	Entry     uint64            // ELF entry point, informational
	LoadAddr  uint64            // physical load address of the program
	Program   []byte            // raw program bytes
	FileSize  uint64            // bytes backed by the file
	MemSize   uint64            // bytes occupied in memory
	Symbols   map[string]uint64 // symbol name -> address (thumb bit kept)
	FlashLoad uint64            // "flash load" entry point (thumb bit cleared)
	SerialOut uint64            // serial output entry point (thumb bit cleared)
	Segments  []Segment         // every PT_LOAD segment, informational
}

// New builds an image from raw program bytes and a symbol table.
// flashSym and serialSym name the two required entry points.
func New(loadAddr uint64, program []byte, symbols map[string]uint64, flashSym, serialSym string) (*Image, error) {
	if len(program) == 0 {
		return nil, fmt.Errorf("empty program")
	}
	img := &Image{
		LoadAddr: loadAddr,
		Program:  program,
		FileSize: uint64(len(program)),
		MemSize:  uint64(len(program)),
		Symbols:  symbols,
	}
	if img.Symbols == nil {
		img.Symbols = make(map[string]uint64)
	}
	if err := img.resolveEntries(flashSym, serialSym); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) resolveEntries(flashSym, serialSym string) error {
	flash, err := img.SymbolEntry(flashSym)
	if err != nil {
		return err
	}
	serial, err := img.SymbolEntry(serialSym)
	if err != nil {
		return err
	}
	img.FlashLoad = flash
	img.SerialOut = serial
	return nil
}

// End returns the address just past the file-backed program.
func (img *Image) End() uint64 {
	return img.LoadAddr + img.FileSize
}

// Contains reports whether addr is inside the loaded program.
func (img *Image) Contains(addr uint64) bool {
	return addr >= img.LoadAddr && addr < img.LoadAddr+img.MemSize
}

// FindSymbol returns the address of a symbol, or 0 if not found.
func (img *Image) FindSymbol(name string) uint64 {
	return img.Symbols[name]
}

// SymbolEntry returns the instruction address of a function symbol with the thumb bit cleared.
func (img *Image) SymbolEntry(name string) (uint64, error) {
	addr, ok := img.Symbols[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	return addr &^ 1, nil
}

// shorter orders names by length, then lexically.
func shorter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// Symbolize returns the closest symbol at or below addr and the offset
// from it. The name is empty when no symbol precedes addr.
func (img *Image) Symbolize(addr uint64) (string, uint64) {
	best, bestAddr := "", uint64(0)
	for name, a := range img.Symbols {
		a &^= 1
		if a > addr || a < bestAddr {
			continue
		}
		if best == "" || a > bestAddr || shorter(name, best) {
			best, bestAddr = name, a
		}
	}
	return best, addr - bestAddr
}

// SymbolNames returns all symbol names in sorted order.
func (img *Image) SymbolNames() []string {
	names := make([]string, 0, len(img.Symbols))
	for name := range img.Symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
