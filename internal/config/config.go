package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/fisim/internal/fault"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Load reads a YAML configuration. Fields missing from the file keep their
// default values. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg and validates the result. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg.Validate()
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Specs returns the parsed campaign fault kinds.
func (c *Config) Specs() ([]fault.Spec, error) {
	return fault.ParseSpecs(c.Campaign.Faults)
}

type span struct {
	name       string
	base, size uint64
}

// Validate checks budgets, fault kinds and the memory layout.
func (c *Config) Validate() error {
	t := c.Target
	if t.PageSize == 0 || t.PageSize&(t.PageSize-1) != 0 {
		return fmt.Errorf("%w: page_size 0x%x is not a power of two", ErrInvalid, t.PageSize)
	}
	if t.StackSize == 0 || t.StackSize%t.PageSize != 0 {
		return fmt.Errorf("%w: stack_size 0x%x must be a non-zero multiple of page_size", ErrInvalid, t.StackSize)
	}

	spans := []span{
		{"stack", t.StackBase, t.StackSize},
		{"boot stage", t.BootStageBase, t.PageSize},
		{"auth trigger", t.AuthBase, t.PageSize},
		{"serial", t.SerialBase, t.PageSize},
	}
	for _, s := range spans {
		if s.base%t.PageSize != 0 {
			return fmt.Errorf("%w: %s base 0x%x is not page aligned", ErrInvalid, s.name, s.base)
		}
		if s.base+s.size > 1<<32 {
			return fmt.Errorf("%w: %s at 0x%x exceeds the 32-bit address space", ErrInvalid, s.name, s.base)
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].base < spans[j].base })
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if prev.base+prev.size > cur.base {
			return fmt.Errorf("%w: %s overlaps %s", ErrInvalid, prev.name, cur.name)
		}
	}

	if t.SuccessValue == t.FailedValue {
		return fmt.Errorf("%w: success_value and failed_value are both 0x%x", ErrInvalid, t.SuccessValue)
	}
	if t.FlashLoadSymbol == "" || t.SerialSymbol == "" {
		return fmt.Errorf("%w: flash_load_symbol and serial_symbol are required", ErrInvalid)
	}

	if c.Run.MaxInstructions == 0 {
		return fmt.Errorf("%w: max_instructions must be positive", ErrInvalid)
	}
	if c.Run.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalid)
	}

	if c.Campaign.Depth < 1 || c.Campaign.Depth > 2 {
		return fmt.Errorf("%w: depth %d not supported (1 or 2)", ErrInvalid, c.Campaign.Depth)
	}
	if c.Campaign.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative", ErrInvalid)
	}
	if len(c.Campaign.Faults) == 0 {
		return fmt.Errorf("%w: no fault kinds selected", ErrInvalid)
	}
	if _, err := c.Specs(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
