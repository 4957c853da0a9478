// Package config holds the target memory layout, run budgets and campaign
// plan, loaded from YAML.
package config

import "time"

// Config is the full fisim configuration file.
type Config struct {
	Target   Target   `yaml:"target"`
	Run      Run      `yaml:"run"`
	Campaign Campaign `yaml:"campaign"`
}

// Target describes the memory layout and the protocol the firmware uses to
// report its verdict.
type Target struct {
	StackBase      uint64 `yaml:"stack_base"`       // lowest stack address
	StackSize      uint64 `yaml:"stack_size"`       // stack region size
	BootStageBase  uint64 `yaml:"boot_stage_base"`  // scratch area for the next boot stage
	AuthBase       uint64 `yaml:"auth_base"`        // auth trigger word
	SerialBase     uint64 `yaml:"serial_base"`      // serial output register
	PageSize       uint64 `yaml:"page_size"`        // mapping granularity
	SuccessValue   uint32 `yaml:"success_value"`    // auth write meaning "accepted"
	FailedValue    uint32 `yaml:"failed_value"`     // auth write meaning "rejected"
	BootImageValue uint32 `yaml:"boot_image_value"` // marker of a valid boot image

	FlashLoadSymbol string `yaml:"flash_load_symbol"`
	SerialSymbol    string `yaml:"serial_symbol"`
}

// Run bounds a single emulation run.
type Run struct {
	MaxInstructions uint64        `yaml:"max_instructions"`
	Timeout         time.Duration `yaml:"timeout"`
	SingleStep      bool          `yaml:"single_step"` // one backend call per instruction
}

// Campaign selects the faults to simulate.
type Campaign struct {
	Faults  []string `yaml:"faults"`  // skip<N>, flip<B> or flip
	Depth   int      `yaml:"depth"`   // 1: single faults, 2: chained pairs
	Workers int      `yaml:"workers"` // parallel sessions, 0 means one per CPU
}

// Default returns the layout of the reference bootloader harness.
func Default() *Config {
	return &Config{
		Target: Target{
			StackBase:       0x80100000,
			StackSize:       0x10000,
			BootStageBase:   0x32000000,
			AuthBase:        0x0AA01000,
			SerialBase:      0x11000000,
			PageSize:        0x1000,
			SuccessValue:    1,
			FailedValue:     2,
			BootImageValue:  0x12345678,
			FlashLoadSymbol: "flash_load_img",
			SerialSymbol:    "serial_puts",
		},
		Run: Run{
			MaxInstructions: 2000,
			Timeout:         time.Second,
		},
		Campaign: Campaign{
			Faults: []string{"skip1", "skip2", "skip4", "flip"},
			Depth:  1,
		},
	}
}

// StackTop returns the initial stack pointer.
func (t Target) StackTop() uint64 {
	return t.StackBase + t.StackSize - 4
}
