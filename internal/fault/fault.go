package fault

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Thumb encodings written by faults and by output suppression.
var (
	Nop    = []byte{0x00, 0xbf} // nop
	Return = []byte{0x70, 0x47} // bx lr
)

// ErrUnresolved marks a fault used before a kind was chosen. Mutating with
// one is a programming error and panics.
var ErrUnresolved = errors.New("fault kind not resolved")

// MutationError reports a fault that cannot be built at its address, for
// example a skip whose span runs past mapped memory.
type MutationError struct {
	Fault Descriptor
	Err   error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Fault, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// Memory is the part of the emulator faults need.
type Memory interface {
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error
}

// IsWide reports whether a Thumb halfword starts a 32-bit instruction.
func IsWide(halfword uint16) bool {
	hi := byte(halfword >> 8)
	return hi&0xf8 == 0xe8 || hi&0xf0 == 0xf0
}

// InstructionSize returns the width in bytes of the instruction at addr.
func InstructionSize(mem Memory, addr uint64) (int, error) {
	data, err := mem.MemRead(addr, 2)
	if err != nil {
		return 0, fmt.Errorf("read instruction at 0x%x: %w", addr, err)
	}
	if IsWide(binary.LittleEndian.Uint16(data)) {
		return 4, nil
	}
	return 2, nil
}

// Candidate is an executed instruction that a fault could target. It has no
// kind yet and cannot mutate memory; Resolve turns it into a Descriptor.
type Candidate struct {
	Address uint64
	Size    int
	Count   int
}

// Resolve attaches a kind to the candidate.
func (c Candidate) Resolve(k Kind) Descriptor {
	return Descriptor{Address: c.Address, Size: c.Size, Count: c.Count, Kind: k}
}

// Descriptor is a fault ready to be injected.
type Descriptor struct {
	Address uint64
	Size    int
	Count   int
	Kind    Kind
}

// Resolved reports whether the descriptor has a kind.
func (d Descriptor) Resolved() bool {
	return d.Kind != nil
}

func (d Descriptor) String() string {
	if d.Kind == nil {
		return fmt.Sprintf("unresolved@0x%08x", d.Address)
	}
	return fmt.Sprintf("%s@0x%08x", d.Kind, d.Address)
}

// Record holds the bytes a fault replaces and the bytes it writes.
type Record struct {
	Original []byte
	Mutated  []byte
	Fault    Descriptor
}

// Address returns the first byte affected by the fault.
func (r Record) Address() uint64 {
	return r.Fault.Address
}

func (r Record) String() string {
	return fmt.Sprintf("%s %x -> %x", r.Fault, r.Original, r.Mutated)
}

// Mutate computes the record for d from the current contents of mem without
// writing anything. Errors are *MutationError. It panics if d is unresolved.
func Mutate(mem Memory, d Descriptor) (Record, error) {
	var (
		rec Record
		err error
	)
	switch k := d.Kind.(type) {
	case Skip:
		rec, err = mutateSkip(mem, d, k)
	case BitFlip:
		rec, err = mutateBitFlip(mem, d, k)
	case nil:
		panic(fmt.Errorf("%w: fault at 0x%x", ErrUnresolved, d.Address))
	default:
		panic(fmt.Sprintf("fault: unknown kind %T", k))
	}
	if err != nil {
		return Record{}, &MutationError{Fault: d, Err: err}
	}
	return rec, nil
}

func mutateSkip(mem Memory, d Descriptor, k Skip) (Record, error) {
	if k.N < 1 {
		return Record{}, fmt.Errorf("skip count must be positive")
	}
	span := 0
	for i := 0; i < k.N; i++ {
		size, err := InstructionSize(mem, d.Address+uint64(span))
		if err != nil {
			return Record{}, err
		}
		span += size
	}
	orig, err := mem.MemRead(d.Address, uint64(span))
	if err != nil {
		return Record{}, fmt.Errorf("read original: %w", err)
	}
	return Record{
		Original: orig,
		Mutated:  bytes.Repeat(Nop, span/len(Nop)),
		Fault:    d,
	}, nil
}

func mutateBitFlip(mem Memory, d Descriptor, k BitFlip) (Record, error) {
	size, err := InstructionSize(mem, d.Address)
	if err != nil {
		return Record{}, err
	}
	if k.Bit < 0 || k.Bit >= size*8 {
		return Record{}, fmt.Errorf("bit %d outside %d-byte instruction", k.Bit, size)
	}
	orig, err := mem.MemRead(d.Address, uint64(size))
	if err != nil {
		return Record{}, fmt.Errorf("read original: %w", err)
	}
	mutated := append([]byte(nil), orig...)
	mutated[k.Bit/8] ^= 1 << (k.Bit % 8)
	return Record{Original: orig, Mutated: mutated, Fault: d}, nil
}

// Apply writes the mutated bytes of rec.
func Apply(mem Memory, rec Record) error {
	if err := mem.MemWrite(rec.Address(), rec.Mutated); err != nil {
		return fmt.Errorf("apply %s: %w", rec.Fault, err)
	}
	return nil
}

// Revert writes the original bytes of rec back.
func Revert(mem Memory, rec Record) error {
	if err := mem.MemWrite(rec.Address(), rec.Original); err != nil {
		return fmt.Errorf("revert %s: %w", rec.Fault, err)
	}
	return nil
}

// Expand resolves every candidate against every spec, candidate by candidate.
// A bit flip spec without a bit yields one descriptor per instruction bit;
// explicit bits beyond the candidate's width are skipped.
func Expand(candidates []Candidate, specs []Spec) []Descriptor {
	var out []Descriptor
	for _, c := range candidates {
		for _, s := range specs {
			switch k := s.Kind.(type) {
			case nil:
				for bit := 0; bit < c.Size*8; bit++ {
					out = append(out, c.Resolve(BitFlip{Bit: bit}))
				}
			case BitFlip:
				if k.Bit < c.Size*8 {
					out = append(out, c.Resolve(k))
				}
			default:
				out = append(out, c.Resolve(k))
			}
		}
	}
	return out
}
