// Package campaign runs a complete fault campaign against one firmware
// image: it checks the program, traces it, expands the candidates into
// trials and spreads the trials over parallel simulation sessions.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zboralski/fisim/internal/config"
	"github.com/zboralski/fisim/internal/fault"
	"github.com/zboralski/fisim/internal/firmware"
	"github.com/zboralski/fisim/internal/log"
	"github.com/zboralski/fisim/internal/simulation"
)

// Plan is what a campaign simulates.
type Plan struct {
	Specs   []fault.Spec
	Depth   int // 1: single faults, 2: chained pairs
	Workers int // parallel sessions
}

// PlanFromConfig builds a plan from the campaign section of cfg.
// Zero workers means one per CPU.
func PlanFromConfig(cfg *config.Config) (Plan, error) {
	specs, err := cfg.Specs()
	if err != nil {
		return Plan{}, err
	}
	workers := cfg.Campaign.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return Plan{Specs: specs, Depth: cfg.Campaign.Depth, Workers: workers}, nil
}

// Phase names reported to Progress.
const (
	PhaseTrace  = "trace"
	PhaseTrials = "trials"
)

// Options tune a campaign run.
type Options struct {
	Logger *log.Logger
	// Serial receives firmware output of the program check runs.
	Serial io.Writer
	// Progress is called after each unit of work. Calls are serialized.
	Progress func(phase string, done, total int)
}

// Runner executes campaigns for one image and configuration.
type Runner struct {
	img  *firmware.Image
	cfg  *config.Config
	plan Plan
	opts Options
	log  *log.Logger

	mu sync.Mutex // serializes Progress
}

// New creates a runner. The configuration is validated.
func New(img *firmware.Image, cfg *config.Config, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	plan, err := PlanFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Get()
	}
	return &Runner{
		img:  img,
		cfg:  cfg,
		plan: plan,
		opts: opts,
		log:  opts.Logger.WithCategory("campaign"),
	}, nil
}

// Plan returns the plan the runner executes.
func (r *Runner) Plan() Plan {
	return r.plan
}

// Run executes the campaign. A campaign without successful trials is a
// valid result, not an error.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	rep := &Report{
		ID:      uuid.NewString(),
		Image:   r.img.Path,
		Started: time.Now(),
		Depth:   r.plan.Depth,
	}
	for _, s := range r.plan.Specs {
		rep.Faults = append(rep.Faults, s.String())
	}

	primary, err := r.openSession(simulation.WithSerial(r.serial()))
	if err != nil {
		return nil, err
	}
	defer primary.Close()

	if err := primary.CheckProgram(); err != nil {
		return nil, err
	}
	cands, err := primary.RecordTrace(nil)
	if err != nil {
		return nil, err
	}
	rep.Candidates = len(cands)

	firsts := fault.Expand(cands, r.plan.Specs)
	trials := make([][]fault.Descriptor, 0, len(firsts))
	for _, d := range firsts {
		trials = append(trials, []fault.Descriptor{d})
	}
	if r.plan.Depth > 1 {
		pairs, err := r.chain(ctx, firsts)
		if err != nil {
			return nil, err
		}
		trials = append(trials, pairs...)
	}
	rep.Trials = len(trials)

	r.log.Info("campaign started",
		zap.String("id", rep.ID),
		zap.Int("candidates", rep.Candidates),
		zap.Int("trials", rep.Trials),
		zap.Int("workers", r.plan.Workers),
	)

	results, err := r.runTrials(ctx, trials)
	if err != nil {
		return nil, err
	}
	for i, records := range results {
		if records != nil {
			rep.add(i, records)
		}
	}
	rep.Duration = time.Since(rep.Started)

	r.log.Info("campaign finished",
		zap.String("id", rep.ID),
		zap.Int("successes", len(rep.Successes)),
		zap.Duration("duration", rep.Duration),
	)
	return rep, nil
}

// chain traces the program once per first fault and pairs every first fault
// with the candidates its faulted run executes outside the bytes it rewrote.
// First faults that already succeed alone or cannot be built are not extended.
func (r *Runner) chain(ctx context.Context, firsts []fault.Descriptor) ([][]fault.Descriptor, error) {
	seconds := make([][]fault.Descriptor, len(firsts))
	err := r.parallel(ctx, PhaseTrace, len(firsts), func(s *simulation.Session, i int) error {
		first := firsts[i]
		cands, err := s.RecordTrace([]fault.Descriptor{first})
		var mutErr *fault.MutationError
		if errors.As(err, &mutErr) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("trace after %s: %w", first, err)
		}
		if s.State() == simulation.Success {
			return nil
		}

		end := first.Address + uint64(first.Size)
		if recs := s.Faults(); len(recs) == 1 {
			end = first.Address + uint64(len(recs[0].Mutated))
		}
		for _, d := range fault.Expand(cands, r.plan.Specs) {
			if d.Address >= first.Address && d.Address < end {
				continue
			}
			seconds[i] = append(seconds[i], d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var pairs [][]fault.Descriptor
	for i, first := range firsts {
		for _, second := range seconds[i] {
			pairs = append(pairs, []fault.Descriptor{first, second})
		}
	}
	return pairs, nil
}

// runTrials runs every trial and returns the records indexed like trials;
// entries of failed trials are nil.
func (r *Runner) runTrials(ctx context.Context, trials [][]fault.Descriptor) ([][]fault.Record, error) {
	results := make([][]fault.Record, len(trials))
	err := r.parallel(ctx, PhaseTrials, len(trials), func(s *simulation.Session, i int) error {
		state, records, err := s.RunTrial(trials[i])
		if err != nil {
			return err
		}
		if state == simulation.Success {
			results[i] = records
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// parallel calls fn for indices [0, n) across the plan's workers. Each
// worker owns one session for its lifetime.
func (r *Runner) parallel(ctx context.Context, phase string, n int, fn func(s *simulation.Session, i int) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", phase, err)
	}
	if n == 0 {
		return nil
	}
	workers := r.plan.Workers
	if workers > n {
		workers = n
	}

	g, ctx := errgroup.WithContext(ctx)
	next := make(chan int)
	g.Go(func() error {
		defer close(next)
		for i := 0; i < n; i++ {
			select {
			case next <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	done := 0
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			s, err := r.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			for i := range next {
				if err := fn(s, i); err != nil {
					return err
				}
				r.mu.Lock()
				done++
				if r.opts.Progress != nil {
					r.opts.Progress(phase, done, n)
				}
				r.mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%s: %w", phase, err)
	}
	return nil
}

func (r *Runner) openSession(opts ...simulation.Option) (*simulation.Session, error) {
	opts = append([]simulation.Option{simulation.WithLogger(r.opts.Logger)}, opts...)
	return simulation.New(r.img, r.cfg, opts...)
}

func (r *Runner) serial() io.Writer {
	if r.opts.Serial == nil {
		return io.Discard
	}
	return r.opts.Serial
}
