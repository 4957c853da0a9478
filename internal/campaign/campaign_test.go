package campaign

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/zboralski/fisim/internal/config"
	"github.com/zboralski/fisim/internal/fault"
	"github.com/zboralski/fisim/internal/firmware"
	"github.com/zboralski/fisim/internal/log"
	"github.com/zboralski/fisim/internal/simulation"
)

const loadAddr = 0x08000000

// Same reference bootloader the simulation tests use.
var secureBoot = []byte{
	0x00, 0xf0, 0x0f, 0xf8, 0x00, 0xf0, 0x0e, 0xf8,
	0x08, 0x48, 0x00, 0x68, 0x08, 0x49, 0x88, 0x42,
	0x03, 0xd1, 0x08, 0x4a, 0x01, 0x23, 0x13, 0x60,
	0xfe, 0xe7, 0x06, 0x4a, 0x02, 0x23, 0x13, 0x60,
	0xfe, 0xe7, 0x70, 0x47, 0x04, 0x49, 0x4f, 0x22,
	0x0a, 0x60, 0x70, 0x47,
	0x00, 0x00, 0x00, 0x32,
	0x78, 0x56, 0x34, 0x12,
	0x00, 0x10, 0xa0, 0x0a,
	0x00, 0x00, 0x00, 0x11,
}

func testImage(t *testing.T, program []byte) *firmware.Image {
	t.Helper()
	img, err := firmware.New(loadAddr, program, map[string]uint64{
		"flash_load_img": loadAddr + 0x23,
		"serial_puts":    loadAddr + 0x25,
	}, firmware.DefaultFlashLoadSymbol, firmware.DefaultSerialSymbol)
	require.NoError(t, err)
	img.Path = "secure_boot.elf"
	return img
}

func testConfig(faults ...string) *config.Config {
	cfg := config.Default()
	cfg.Campaign.Faults = faults
	cfg.Campaign.Workers = 2
	return cfg
}

func successFaults(rep *Report) []string {
	var out []string
	for _, s := range rep.Successes {
		var names []string
		for _, rec := range s.Records {
			names = append(names, rec.Fault.String())
		}
		out = append(out, strings.Join(names, "+"))
	}
	return out
}

func TestPlanFromConfig(t *testing.T) {
	cfg := testConfig("skip1", "flip")
	cfg.Campaign.Workers = 0

	plan, err := PlanFromConfig(cfg)
	require.NoError(t, err)
	assert.Len(t, plan.Specs, 2)
	assert.Equal(t, 1, plan.Depth)
	assert.Greater(t, plan.Workers, 0)
}

func TestRunSkip(t *testing.T) {
	var serial bytes.Buffer
	var calls int
	r, err := New(testImage(t, secureBoot), testConfig("skip1"), Options{
		Logger:   log.NewNop(),
		Serial:   &serial,
		Progress: func(phase string, done, total int) { calls++ },
	})
	require.NoError(t, err)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, rep.ID)
	assert.Equal(t, "secure_boot.elf", rep.Image)
	assert.Equal(t, []string{"skip1"}, rep.Faults)
	assert.Equal(t, rep.Candidates, rep.Trials)
	assert.Equal(t, rep.Trials, calls)
	assert.Equal(t, "OO", serial.String(), "only the two check runs print")

	// Skipping the branch to the failure path is the only single skip that passes.
	assert.Equal(t, []string{"skip1@0x08000010"}, successFaults(rep))
	assert.Equal(t, []byte{0x03, 0xd1}, rep.Successes[0].Records[0].Original)
}

func TestRunBitFlip(t *testing.T) {
	r, err := New(testImage(t, secureBoot), testConfig("flip8"), Options{Logger: log.NewNop()})
	require.NoError(t, err)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	// bne -> beq at 0x10 falls through to the success path.
	assert.Contains(t, successFaults(rep), "flip8@0x08000010")
}

func TestRunOrderIndependentOfWorkers(t *testing.T) {
	var reports []*Report
	for _, workers := range []int{1, 3} {
		cfg := testConfig("skip1", "skip2", "flip")
		cfg.Campaign.Workers = workers
		r, err := New(testImage(t, secureBoot), cfg, Options{Logger: log.NewNop()})
		require.NoError(t, err)
		rep, err := r.Run(context.Background())
		require.NoError(t, err)
		reports = append(reports, rep)
	}
	assert.Equal(t, successFaults(reports[0]), successFaults(reports[1]))
	assert.Equal(t, reports[0].Trials, reports[1].Trials)
	assert.NotEqual(t, reports[0].ID, reports[1].ID)

	for i := 1; i < len(reports[1].Successes); i++ {
		assert.Less(t, reports[1].Successes[i-1].Trial, reports[1].Successes[i].Trial)
	}
}

func TestRunDepthTwo(t *testing.T) {
	cfg := testConfig("skip1")
	cfg.Campaign.Depth = 2
	r, err := New(testImage(t, secureBoot), cfg, Options{Logger: log.NewNop()})
	require.NoError(t, err)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Greater(t, rep.Trials, rep.Candidates)

	got := successFaults(rep)
	assert.Contains(t, got, "skip1@0x08000010")
	for _, s := range rep.Successes {
		if len(s.Records) == 2 {
			assert.NotEqual(t, s.Records[0].Address(), s.Records[1].Address())
		}
	}
}

func TestChainSkipsRewrittenBytes(t *testing.T) {
	r, err := New(testImage(t, secureBoot), testConfig("skip1"), Options{Logger: log.NewNop()})
	require.NoError(t, err)

	// Skipping the 4-byte bl at +0 leaves nops at +0 and +2; both execute.
	first := fault.Candidate{Address: loadAddr, Size: 4, Count: 1}.Resolve(fault.Skip{N: 1})
	pairs, err := r.chain(context.Background(), []fault.Descriptor{first})
	require.NoError(t, err)
	require.NotEmpty(t, pairs)

	var seconds []uint64
	for _, p := range pairs {
		require.Len(t, p, 2)
		assert.Equal(t, first, p[0])
		seconds = append(seconds, p[1].Address)
	}
	assert.NotContains(t, seconds, uint64(loadAddr))
	assert.NotContains(t, seconds, uint64(loadAddr+2))
	assert.Contains(t, seconds, uint64(loadAddr+0x10))
}

func TestChainDropsUnbuildableFirst(t *testing.T) {
	r, err := New(testImage(t, secureBoot), testConfig("skip4"), Options{Logger: log.NewNop()})
	require.NoError(t, err)

	first := fault.Candidate{Address: loadAddr + 0xffe, Size: 2, Count: 1}.Resolve(fault.Skip{N: 4})
	pairs, err := r.chain(context.Background(), []fault.Descriptor{first})
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestRunCheckFails(t *testing.T) {
	program := append([]byte(nil), secureBoot...)
	program[0x14] = 0x02 // success path reports failure too

	r, err := New(testImage(t, program), testConfig("skip1"), Options{Logger: log.NewNop()})
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	assert.True(t, errors.Is(err, simulation.ErrProgramCheck), "got %v", err)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := New(testImage(t, secureBoot), testConfig("flip"), Options{Logger: log.NewNop()})
	require.NoError(t, err)
	_, err = r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewValidates(t *testing.T) {
	cfg := testConfig("glitch")
	_, err := New(testImage(t, secureBoot), cfg, Options{})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestReportYAML(t *testing.T) {
	rep := &Report{ID: "id", Image: "fw.elf", Faults: []string{"skip1"}, Depth: 1, Candidates: 3, Trials: 3}
	d := fault.Candidate{Address: 0x08000010, Size: 2, Count: 1}.Resolve(fault.Skip{N: 1})
	rep.add(1, []fault.Record{{Original: []byte{0x03, 0xd1}, Mutated: []byte{0x00, 0xbf}, Fault: d}})

	data, err := rep.YAML()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, "id", decoded["id"])

	successes := decoded["successes"].([]any)
	require.Len(t, successes, 1)
	inj := successes[0].(map[string]any)["faults"].([]any)[0].(map[string]any)
	assert.Equal(t, "skip1", inj["fault"])
	assert.Equal(t, "0x08000010", inj["address"])
	assert.Equal(t, "03d1", inj["original"])
	assert.Equal(t, "00bf", inj["mutated"])
}
