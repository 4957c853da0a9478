package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMem is a sparse byte-addressed memory.
type fakeMem map[uint64]byte

func (m fakeMem) MemRead(addr, size uint64) ([]byte, error) {
	out := make([]byte, size)
	for i := range out {
		b, ok := m[addr+uint64(i)]
		if !ok {
			return nil, fmt.Errorf("unmapped 0x%x", addr+uint64(i))
		}
		out[i] = b
	}
	return out, nil
}

func (m fakeMem) MemWrite(addr uint64, data []byte) error {
	for i, b := range data {
		m[addr+uint64(i)] = b
	}
	return nil
}

func newMem(base uint64, code ...byte) fakeMem {
	m := fakeMem{}
	_ = m.MemWrite(base, code)
	return m
}

func TestIsWide(t *testing.T) {
	tests := []struct {
		halfword uint16
		wide     bool
	}{
		{0xbf00, false}, // nop
		{0x4770, false}, // bx lr
		{0xd103, false}, // bne
		{0xe7fe, false}, // b .
		{0xe800, true},
		{0xefff, true},
		{0xf000, true}, // bl prefix
		{0xf8df, true}, // ldr.w
		{0xffff, true},
		{0xe000, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.wide, IsWide(tt.halfword), "halfword 0x%04x", tt.halfword)
	}
}

func TestInstructionSize(t *testing.T) {
	mem := newMem(0x100, 0x00, 0xbf, 0x00, 0xf0, 0x0f, 0xf8)

	size, err := InstructionSize(mem, 0x100)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	size, err = InstructionSize(mem, 0x102)
	require.NoError(t, err)
	assert.Equal(t, 4, size)

	_, err = InstructionSize(mem, 0x200)
	assert.Error(t, err)
}

// narrow, wide, narrow, narrow
var mixedCode = []byte{
	0x08, 0x48, // ldr r0, [pc, #32]
	0x00, 0xf0, 0x0f, 0xf8, // bl
	0x88, 0x42, // cmp r0, r1
	0x03, 0xd1, // bne
}

func TestSkipSpan(t *testing.T) {
	tests := []struct {
		addr uint64
		n    int
		span int
	}{
		{0x100, 1, 2},
		{0x102, 1, 4},
		{0x100, 2, 6},
		{0x100, 4, 10},
		{0x102, 2, 6},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("skip%d@0x%x", tt.n, tt.addr), func(t *testing.T) {
			mem := newMem(0x100, mixedCode...)
			d := Candidate{Address: tt.addr, Size: 2, Count: 1}.Resolve(Skip{N: tt.n})

			rec, err := Mutate(mem, d)
			require.NoError(t, err)
			require.Len(t, rec.Original, tt.span)
			require.Len(t, rec.Mutated, tt.span)
			for i := 0; i < tt.span; i += 2 {
				assert.Equal(t, Nop, rec.Mutated[i:i+2])
			}
			off := tt.addr - 0x100
			assert.Equal(t, mixedCode[off:off+uint64(tt.span)], rec.Original)
			assert.Equal(t, d, rec.Fault)

			// Mutate never writes.
			cur, _ := mem.MemRead(0x100, uint64(len(mixedCode)))
			assert.Equal(t, mixedCode, cur)
		})
	}
}

func TestSkipOutsideMemory(t *testing.T) {
	mem := newMem(0x100, 0x00, 0xbf)
	skip := Candidate{Address: 0x100}.Resolve(Skip{N: 2})
	_, err := Mutate(mem, skip)
	var mutErr *MutationError
	require.True(t, errors.As(err, &mutErr), "got %v", err)
	assert.Equal(t, skip, mutErr.Fault)
	assert.Contains(t, err.Error(), "skip2@0x00000100")

	_, err = Mutate(mem, Candidate{Address: 0x100}.Resolve(Skip{N: 0}))
	assert.Error(t, err)
}

func TestBitFlip(t *testing.T) {
	mem := newMem(0x100, mixedCode...)

	rec, err := Mutate(mem, Candidate{Address: 0x108, Size: 2}.Resolve(BitFlip{Bit: 8}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0xd1}, rec.Original)
	assert.Equal(t, []byte{0x03, 0xd0}, rec.Mutated)

	rec, err = Mutate(mem, Candidate{Address: 0x102, Size: 4}.Resolve(BitFlip{Bit: 27}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xf0, 0x0f, 0xf0}, rec.Mutated)

	// Exactly one bit differs.
	for bit := 0; bit < 16; bit++ {
		rec, err := Mutate(mem, Candidate{Address: 0x100, Size: 2}.Resolve(BitFlip{Bit: bit}))
		require.NoError(t, err)
		diff := 0
		for i := range rec.Original {
			x := rec.Original[i] ^ rec.Mutated[i]
			for ; x != 0; x &= x - 1 {
				diff++
			}
		}
		assert.Equal(t, 1, diff, "bit %d", bit)
	}

	_, err = Mutate(mem, Candidate{Address: 0x100, Size: 2}.Resolve(BitFlip{Bit: 16}))
	assert.Error(t, err)
}

func TestApplyRevert(t *testing.T) {
	mem := newMem(0x100, mixedCode...)
	rec, err := Mutate(mem, Candidate{Address: 0x100}.Resolve(Skip{N: 2}))
	require.NoError(t, err)

	require.NoError(t, Apply(mem, rec))
	cur, _ := mem.MemRead(0x100, 6)
	assert.Equal(t, []byte{0x00, 0xbf, 0x00, 0xbf, 0x00, 0xbf}, cur)

	require.NoError(t, Revert(mem, rec))
	cur, _ = mem.MemRead(0x100, uint64(len(mixedCode)))
	assert.Equal(t, mixedCode, cur)
}

func TestUnresolvedPanics(t *testing.T) {
	mem := newMem(0x100, mixedCode...)
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.Is(err, ErrUnresolved))
	}()
	_, _ = Mutate(mem, Descriptor{Address: 0x100, Size: 2})
}

func TestDescriptorString(t *testing.T) {
	c := Candidate{Address: 0x08000010, Size: 2, Count: 1}
	assert.Equal(t, "skip2@0x08000010", c.Resolve(Skip{N: 2}).String())
	assert.Equal(t, "flip8@0x08000010", c.Resolve(BitFlip{Bit: 8}).String())
	assert.Equal(t, "unresolved@0x08000010", Descriptor{Address: 0x08000010}.String())
	assert.False(t, Descriptor{}.Resolved())
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in   string
		want Spec
	}{
		{"skip1", Spec{Kind: Skip{N: 1}}},
		{"Skip4", Spec{Kind: Skip{N: 4}}},
		{" flip3 ", Spec{Kind: BitFlip{Bit: 3}}},
		{"flip", Spec{}},
	}
	for _, tt := range tests {
		got, err := ParseSpec(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "skip", "skip0", "skip-1", "flip32", "flipx", "glitch"} {
		_, err := ParseSpec(bad)
		assert.Error(t, err, bad)
	}

	_, err := ParseKind("flip")
	assert.Error(t, err)
	k, err := ParseKind("skip2")
	require.NoError(t, err)
	assert.Equal(t, Skip{N: 2}, k)

	specs, err := ParseSpecs([]string{"skip1", "flip"})
	require.NoError(t, err)
	assert.Equal(t, []string{"skip1", "flip"}, []string{specs[0].String(), specs[1].String()})
	_, err = ParseSpecs([]string{"skip1", "nope"})
	assert.Error(t, err)
}

func TestExpand(t *testing.T) {
	cands := []Candidate{
		{Address: 0x100, Size: 2, Count: 1},
		{Address: 0x102, Size: 4, Count: 3},
	}
	specs := []Spec{{Kind: Skip{N: 1}}, {}, {Kind: BitFlip{Bit: 20}}}

	got := Expand(cands, specs)
	// 0x100: skip1 + 16 flips (flip20 out of range); 0x102: skip1 + 32 flips + flip20
	require.Len(t, got, 1+16+1+32+1)
	assert.Equal(t, "skip1@0x00000100", got[0].String())
	assert.Equal(t, "flip0@0x00000100", got[1].String())
	assert.Equal(t, "skip1@0x00000102", got[17].String())
	assert.Equal(t, "flip20@0x00000102", got[len(got)-1].String())
	for _, d := range got {
		assert.True(t, d.Resolved())
	}
	assert.Equal(t, 3, got[17].Count)
}
