package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zboralski/fisim/internal/campaign"
	"github.com/zboralski/fisim/internal/config"
	"github.com/zboralski/fisim/internal/firmware"
	flog "github.com/zboralski/fisim/internal/log"
	"github.com/zboralski/fisim/internal/simulation"
	"github.com/zboralski/fisim/internal/ui"
	"github.com/zboralski/fisim/internal/ui/colorize"
)

var (
	verbose    bool
	quiet      bool
	configPath string
	faults     []string
	depth      int
	workers    int
	asYAML     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fisim",
		Short: "Simulate fault injection attacks against Thumb firmware",
		Long: `Fisim simulates instruction skips and bit flips against a Cortex-M bootloader
to find single points of failure in its image authentication.

The firmware ELF is emulated with Unicorn Engine. A breakpoint on the flash
load routine stages a boot image, and a write to the authentication register
decides whether the run passed. Every executed instruction is traced, then
each configured fault is injected at each traced instruction in a fresh run.
Faults that make the check pass with an invalid image are reported.

Examples:
  fisim run secure_boot.elf                   # Skip and flip campaign
  fisim run secure_boot.elf -f skip1 -d 2     # Chained single skips
  fisim run secure_boot.elf --yaml            # Report as YAML
  fisim trace secure_boot.elf                 # Executed instructions
  fisim info secure_boot.elf                  # Image and target layout`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (results only)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "target configuration file (YAML)")

	runCmd := &cobra.Command{
		Use:   "run <firmware.elf>",
		Short: "Run a fault injection campaign",
		Args:  cobra.ExactArgs(1),
		RunE:  runCampaign,
	}
	runCmd.Flags().StringSliceVarP(&faults, "faults", "f", nil, "fault models (skip<N>, flip<bit>, flip)")
	runCmd.Flags().IntVarP(&depth, "depth", "d", 0, "faults per trial (1 or 2)")
	runCmd.Flags().IntVarP(&workers, "workers", "w", -1, "parallel sessions (0: one per CPU)")
	runCmd.Flags().BoolVar(&asYAML, "yaml", false, "print the report as YAML")

	checkCmd := &cobra.Command{
		Use:   "check <firmware.elf>",
		Short: "Verify the unfaulted program passes and fails as expected",
		Args:  cobra.ExactArgs(1),
		RunE:  checkProgram,
	}

	traceCmd := &cobra.Command{
		Use:   "trace <firmware.elf>",
		Short: "List the instructions executed by an unfaulted failing run",
		Args:  cobra.ExactArgs(1),
		RunE:  traceProgram,
	}

	infoCmd := &cobra.Command{
		Use:   "info <firmware.elf>",
		Short: "Show image information and target layout",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  showConfig,
	}

	rootCmd.AddCommand(runCmd, checkCmd, traceCmd, infoCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.RenderError("FISIM FAILED", err, ui.TerminalWidth()))
		os.Exit(1)
	}
}

// load reads the configuration, applies flag overrides and loads the image.
func load(cmd *cobra.Command, path string) (*config.Config, *firmware.Image, error) {
	flog.Init(verbose)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve path: %w", err)
	}
	img, err := firmware.LoadELF(absPath, cfg.Target.FlashLoadSymbol, cfg.Target.SerialSymbol)
	if err != nil {
		return nil, nil, fmt.Errorf("load firmware: %w", err)
	}
	return cfg, img, nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("faults") {
		cfg.Campaign.Faults = faults
	}
	if flags.Changed("depth") {
		cfg.Campaign.Depth = depth
	}
	if flags.Changed("workers") {
		cfg.Campaign.Workers = workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCampaign(cmd *cobra.Command, args []string) error {
	cfg, img, err := load(cmd, args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := campaign.Options{Logger: flog.Get()}
	if !quiet && !asYAML {
		opts.Serial = os.Stdout
		opts.Progress = ui.NewProgress(os.Stderr, ui.IsTerminal()).Update
	}

	runner, err := campaign.New(img, cfg, opts)
	if err != nil {
		return err
	}
	plan := runner.Plan()
	if !quiet && !asYAML {
		fmt.Printf("%s %s  %s %v  %s %d  %s %d\n\n",
			colorize.Header("Firmware:"), filepath.Base(img.Path),
			colorize.Header("Faults:"), cfg.Campaign.Faults,
			colorize.Header("Depth:"), plan.Depth,
			colorize.Header("Workers:"), plan.Workers)
	}

	rep, err := runner.Run(ctx)
	if err != nil {
		if errors.Is(err, simulation.ErrProgramCheck) {
			return fmt.Errorf("firmware does not behave as a secure boot check: %w", err)
		}
		return err
	}

	if asYAML {
		data, err := rep.YAML()
		if err != nil {
			return err
		}
		fmt.Print(colorize.YAML(string(data)))
		return nil
	}
	return ui.RenderOnce(os.Stdout, ui.RenderSummary(rep, img, ui.TerminalWidth())+"\n")
}

func checkProgram(cmd *cobra.Command, args []string) error {
	cfg, img, err := load(cmd, args[0])
	if err != nil {
		return err
	}

	logger := flog.Get()
	logger.SetOnVerdict(func(state, detail string) {
		if !quiet {
			fmt.Printf("  %s %s\n", colorize.Verdict(state), colorize.Detail(detail))
		}
	})

	s, err := simulation.New(img, cfg, simulation.WithLogger(logger), simulation.WithSerial(os.Stdout))
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.CheckProgram(); err != nil {
		return err
	}
	fmt.Println(ui.SuccessTitleStyle.Render("program check passed"))
	return nil
}

func traceProgram(cmd *cobra.Command, args []string) error {
	cfg, img, err := load(cmd, args[0])
	if err != nil {
		return err
	}

	s, err := simulation.New(img, cfg, simulation.WithLogger(flog.Get()))
	if err != nil {
		return err
	}
	defer s.Close()

	cands, err := s.RecordTrace(nil)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Printf("%s %s  %s %s\n\n",
			colorize.Header("Firmware:"), filepath.Base(img.Path),
			colorize.Header("Verdict:"), colorize.Verdict(s.State().String()))
	}
	fmt.Print(ui.RenderTrace(img, cands))
	return nil
}

func showInfo(cmd *cobra.Command, args []string) error {
	cfg, img, err := load(cmd, args[0])
	if err != nil {
		return err
	}

	s, err := simulation.New(img, cfg, simulation.WithLogger(flog.Get()))
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Print(ui.RenderInfo(img, cfg, s.Regions()))
	return nil
}

func showConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	fmt.Print(colorize.YAML(string(data)))
	return nil
}
