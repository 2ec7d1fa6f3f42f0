package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/raymyers/ralph-lsra/pkg/config"
	"github.com/raymyers/ralph-lsra/pkg/ir"
	"github.com/raymyers/ralph-lsra/pkg/regalloc"
	"github.com/raymyers/ralph-lsra/pkg/stacking"
)

var version = "0.1.0"

// Debug flags for dumping intermediate state
var (
	dInput     bool
	dLiveness  bool
	dIntervals bool
)

// Allocation options
var (
	configPath string
	registers  int
	scratch    int
	coalesce   bool
	logLevel   string
	function   string
)

// ErrNoSuchFunction indicates that --function named a function missing from the input
var ErrNoSuchFunction = errors.New("no such function")

// ErrNoCode indicates that the allocator gave up on a function
var ErrNoCode = errors.New("no code generated")

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	// Accept single-dash debug flags
	rootCmd.SetArgs(normalizeFlags(os.Args[1:]))
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ralph-lsra: %v\n", err)
		return 1
	}
	return 0
}

// debugFlagNames lists the debug flags that also accept a single dash
var debugFlagNames = []string{"dinput", "dliveness", "dintervals"}

// normalizeFlags converts single-dash debug flags like -dliveness to --dliveness
func normalizeFlags(args []string) []string {
	result := make([]string, len(args))
	for i, arg := range args {
		for _, flagName := range debugFlagNames {
			if arg == "-"+flagName {
				result[i] = "--" + flagName
				break
			}
		}
		if result[i] == "" {
			result[i] = arg
		}
	}
	return result
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ralph-lsra [file]",
		Short: "ralph-lsra allocates registers for IR functions with linear scan",
		Long: `ralph-lsra reads functions in the YAML listing format, maps their
locals onto a fixed register file with a linear scan allocator and
prints the rewritten code together with an allocation summary.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				cmd.Help()
				return nil
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, errOut)
			if err != nil {
				return err
			}
			defer log.Sync()

			return doAllocate(args[0], cfg, log, out)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	// Debug flags
	rootCmd.Flags().BoolVarP(&dInput, "dinput", "", false, "Dump functions before allocation")
	rootCmd.Flags().BoolVarP(&dLiveness, "dliveness", "", false, "Dump live sets of every block")
	rootCmd.Flags().BoolVarP(&dIntervals, "dintervals", "", false, "Dump live intervals and their locations")

	// Target and allocator flags override the config file and environment
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Target description (TOML)")
	rootCmd.Flags().IntVarP(&registers, "registers", "r", 0, "Size of the integer register file")
	rootCmd.Flags().IntVar(&scratch, "scratch", -1, "Register reserved for breaking copy cycles, -1 for a stack slot")
	rootCmd.Flags().BoolVar(&coalesce, "coalesce", false, "Merge the intervals of copied locals")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVarP(&function, "function", "f", "", "Allocate only the named function")

	return rootCmd
}

// loadConfig layers the config file, the environment and the command line
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("registers") {
		cfg.Target.Registers = registers
		cfg.Target.Reserved = registersBelow(cfg.Target.Reserved, registers)
		cfg.Target.CalleeSaved = registersBelow(cfg.Target.CalleeSaved, registers)
	}
	if flags.Changed("scratch") {
		cfg.Target.Scratch = scratch
	}
	if flags.Changed("coalesce") {
		cfg.Allocator.Coalesce = coalesce
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registersBelow drops the registers that no longer exist in a smaller file
func registersBelow(regs []int, count int) []int {
	var kept []int
	for _, r := range regs {
		if r < count {
			kept = append(kept, r)
		}
	}
	return kept
}

func newLogger(cfg *config.Config, errOut io.Writer) (*zap.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(errOut), level)
	return zap.New(core), nil
}

// doAllocate allocates every selected function of filename and prints the result
func doAllocate(filename string, cfg *config.Config, log *zap.Logger, out io.Writer) error {
	funcs, err := ir.LoadProgramFile(filename)
	if err != nil {
		return err
	}

	selected := funcs[:0:0]
	for _, fn := range funcs {
		if function == "" || fn.Name == function {
			selected = append(selected, fn)
		}
	}
	if len(selected) == 0 {
		return fmt.Errorf("%w: %s in %s", ErrNoSuchFunction, function, filename)
	}

	masks := cfg.Masks()
	printer := ir.NewPrinter(out)
	for _, fn := range selected {
		if dInput {
			fmt.Fprintf(out, "; input\n")
			printer.PrintFunction(fn.Name, fn.CFG)
		}

		opts := []regalloc.Option{
			regalloc.WithLogger(log.With(zap.String("function", fn.Name))),
			regalloc.WithCopyCoalescing(cfg.Allocator.Coalesce),
		}
		if dLiveness {
			fmt.Fprintf(out, "; liveness of %s\n", fn.Name)
			opts = append(opts, regalloc.WithLivenessDump(commentWriter{out}))
		}
		if dIntervals {
			opts = append(opts, regalloc.WithIntervalDump(commentWriter{out}))
		}

		slots := stacking.NewSlotAllocator()
		report, err := allocate(regalloc.New(opts...), fn.CFG, masks, slots)
		if err != nil {
			return fmt.Errorf("function %s: %w", fn.Name, err)
		}
		frame, err := stacking.Finalize(fn.CFG, report.UsedRegisters, masks, slots)
		if err != nil {
			return fmt.Errorf("function %s: %w", fn.Name, err)
		}

		printReport(out, fn.Name, report, frame)
		printer.PrintFunction(fn.Name, fn.CFG)
	}
	return nil
}

// allocate runs the allocator and reports a broken allocator invariant as an
// error instead of crashing
func allocate(s *regalloc.LinearScan, cfg *ir.ControlFlowGraph, masks ir.RegisterMasks, slots regalloc.StackAllocator) (report regalloc.Report, err error) {
	defer recoverAssertion(&err)
	return s.Allocate(cfg, masks, slots)
}

// recoverAssertion turns an allocator assertion panic into ErrNoCode. Any other
// panic is passed on.
func recoverAssertion(err *error) {
	r := recover()
	if r == nil {
		return
	}
	assertion, ok := r.(*regalloc.AssertionError)
	if !ok {
		panic(r)
	}
	*err = fmt.Errorf("%w: %v", ErrNoCode, assertion)
}

func printReport(w io.Writer, name string, report regalloc.Report, frame *stacking.Frame) {
	fmt.Fprintf(w, "; %s: %d intervals, %d split, %d spilled, %d moves, %d coalesced\n",
		name, report.Intervals, report.SplitIntervals, report.SpilledIntervals, report.Moves, report.CoalescedCopies)

	used := make([]string, 0, len(report.UsedRegisterList()))
	for _, r := range report.UsedRegisterList() {
		used = append(used, fmt.Sprintf("r%d", r))
	}
	fmt.Fprintf(w, "; used: %s\n", strings.Join(used, " "))

	saved := []string{"none"}
	if len(frame.CalleeSave.Regs) != 0 {
		saved = saved[:0]
	}
	for i, r := range frame.CalleeSave.Regs {
		saved = append(saved, fmt.Sprintf("r%d@%d", r, frame.CalleeSave.SaveOffsets[i]))
	}
	fmt.Fprintf(w, "; frame: %d bytes, spill area %d, saved %s\n",
		frame.Layout.TotalSize, frame.Layout.SpillSize, strings.Join(saved, " "))
}

// commentWriter prefixes every line written through it with "; "
type commentWriter struct {
	w io.Writer
}

func (c commentWriter) Write(p []byte) (int, error) {
	text := strings.TrimSuffix(string(p), "\n")
	for _, line := range strings.Split(text, "\n") {
		if _, err := fmt.Fprintf(c.w, "; %s\n", line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
