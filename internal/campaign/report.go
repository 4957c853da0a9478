package campaign

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/fisim/internal/fault"
)

// Report is the outcome of one campaign.
type Report struct {
	ID         string        `yaml:"id"`
	Image      string        `yaml:"image"`
	Started    time.Time     `yaml:"started"`
	Duration   time.Duration `yaml:"duration"`
	Faults     []string      `yaml:"faults"`
	Depth      int           `yaml:"depth"`
	Candidates int           `yaml:"candidates"`
	Trials     int           `yaml:"trials"`
	Successes  []Success     `yaml:"successes"`
}

// Success is a trial whose faults made the check pass.
type Success struct {
	Trial   int            `yaml:"trial"`
	Faults  []Injection    `yaml:"faults"`
	Records []fault.Record `yaml:"-"`
}

// Injection is the printable form of a fault record.
type Injection struct {
	Fault    string `yaml:"fault"`
	Address  string `yaml:"address"`
	Count    int    `yaml:"count"`
	Original string `yaml:"original"`
	Mutated  string `yaml:"mutated"`
}

func (rep *Report) add(trial int, records []fault.Record) {
	s := Success{Trial: trial, Records: records}
	for _, rec := range records {
		s.Faults = append(s.Faults, Injection{
			Fault:    rec.Fault.Kind.String(),
			Address:  fmt.Sprintf("0x%08x", rec.Address()),
			Count:    rec.Fault.Count,
			Original: hex.EncodeToString(rec.Original),
			Mutated:  hex.EncodeToString(rec.Mutated),
		})
	}
	rep.Successes = append(rep.Successes, s)
}

// YAML encodes the report.
func (rep *Report) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rep); err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
