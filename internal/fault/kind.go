// Package fault models simulated fault injections on Thumb code: which
// instructions to attack, how, and the bytes a fault swaps in.
package fault

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is a fault type. The set of kinds is closed: Skip and BitFlip.
type Kind interface {
	fmt.Stringer
	kind()
}

// Skip replaces N consecutive instructions with NOPs.
type Skip struct {
	N int
}

// BitFlip inverts a single bit of one instruction. Bit counts from the
// least significant bit of the first byte in memory.
type BitFlip struct {
	Bit int
}

func (Skip) kind()    {}
func (BitFlip) kind() {}

func (s Skip) String() string    { return "skip" + strconv.Itoa(s.N) }
func (b BitFlip) String() string { return "flip" + strconv.Itoa(b.Bit) }

// Spec selects fault kinds for a campaign. A nil Kind means a bit flip on
// every bit of each candidate instruction.
type Spec struct {
	Kind Kind
}

func (s Spec) String() string {
	if s.Kind == nil {
		return "flip"
	}
	return s.Kind.String()
}

// ParseSpec parses "skip<N>", "flip<B>" or "flip".
func ParseSpec(s string) (Spec, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "flip":
		return Spec{}, nil
	case strings.HasPrefix(s, "skip"):
		n, err := strconv.Atoi(s[len("skip"):])
		if err != nil || n < 1 {
			return Spec{}, fmt.Errorf("invalid fault %q: skip count must be a positive integer", s)
		}
		return Spec{Kind: Skip{N: n}}, nil
	case strings.HasPrefix(s, "flip"):
		bit, err := strconv.Atoi(s[len("flip"):])
		if err != nil || bit < 0 || bit >= 32 {
			return Spec{}, fmt.Errorf("invalid fault %q: bit must be in [0, 32)", s)
		}
		return Spec{Kind: BitFlip{Bit: bit}}, nil
	}
	return Spec{}, fmt.Errorf("unknown fault kind %q", s)
}

// ParseSpecs parses a list of fault kind names.
func ParseSpecs(names []string) ([]Spec, error) {
	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		spec, err := ParseSpec(name)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ParseKind parses a single concrete kind. "flip" without a bit is rejected.
func ParseKind(s string) (Kind, error) {
	spec, err := ParseSpec(s)
	if err != nil {
		return nil, err
	}
	if spec.Kind == nil {
		return nil, fmt.Errorf("fault %q needs a bit number", s)
	}
	return spec.Kind, nil
}
