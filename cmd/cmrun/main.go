// Command cmrun flashes and runs ARM Cortex-M firmware on an attached
// debug probe, streams its RTT log output, and prints a DWARF-derived
// backtrace once it halts or hard-faults.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gmofishsauce/cmrun/internal/chip"
	"github.com/gmofishsauce/cmrun/internal/defmtdec"
	"github.com/gmofishsauce/cmrun/internal/firmware"
	"github.com/gmofishsauce/cmrun/internal/logging"
	"github.com/gmofishsauce/cmrun/internal/probe"
	"github.com/gmofishsauce/cmrun/internal/target"
	"github.com/gmofishsauce/cmrun/internal/unwind"
)

const hardFaultExitCode = 134

type cliFlags struct {
	listChips bool
	chipName  string
	noFlash   bool
	defmt     bool
	verbosity int
}

func main() {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "cmrun <firmware-image>",
		Short:         "Flash, run, and backtrace ARM Cortex-M firmware over a debug probe",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags, args)
		},
	}

	root.Flags().BoolVar(&flags.listChips, "list-chips", false, "print all known chip families and variants, then exit")
	root.Flags().StringVar(&flags.chipName, "chip", os.Getenv("PROBE_RUN_CHIP"), "target chip name (or set PROBE_RUN_CHIP)")
	root.Flags().BoolVar(&flags.noFlash, "no-flash", false, "skip flashing, attach and run the image already on the device")
	root.Flags().BoolVar(&flags.defmt, "defmt", false, "enable structured-log decoding")
	root.Flags().CountVarP(&flags.verbosity, "verbose", "v", "increase log verbosity")

	ctx, cancel := installInterruptHandler()
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

// installInterruptHandler mirrors the wut4 emulator's signal-handling
// shape: an interrupt sets a context-cancellation flag the run loop
// observes between iterations, and the handler is unregistered once the
// run completes so later signals behave normally again.
func installInterruptHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func run(ctx context.Context, flags *cliFlags, args []string) error {
	if flags.listChips {
		printChips(os.Stdout)
		return nil
	}

	if flags.noFlash && flags.defmt {
		return fmt.Errorf("--no-flash and --defmt are mutually exclusive")
	}
	if flags.chipName == "" {
		return fmt.Errorf("--chip is required (or set PROBE_RUN_CHIP)")
	}
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one firmware image argument")
	}

	logger := logging.New(flags.verbosity)

	variant, err := chip.GetTargetByName(flags.chipName)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading firmware image: %w", err)
	}

	img, err := firmware.Analyze(data, variant, func(msg string) { logger.Warn(msg) })
	if err != nil {
		return err
	}

	var table defmtdec.Table
	var locations map[uint64]defmtdec.Location
	if flags.defmt {
		table, err = defmtdec.Parse(data)
		if err != nil {
			return fmt.Errorf("%w: --defmt was requested but no structured-log table is present: %v", firmware.ErrMalformed, err)
		}
		locations, err = defmtdec.GetLocations(data)
		if err != nil {
			return fmt.Errorf("parsing structured-log locations: %w", err)
		}
		locations = sanitizeLocations(table, locations, logger)
	} else if defmtdec.HasTable(data) {
		logger.Warn("image carries a structured-log table but --defmt was not passed; pass --defmt to decode its output")
	}

	logging.DimHR(os.Stdout, logging.IsTerminal(os.Stdout))

	result, err := target.Run(ctx, probe.NewSerialProbe(), img, variant, target.Options{
		Flash:     !flags.noFlash,
		RTTAddr:   img.Diagnostics.RTTAddr,
		UsesHeap:  img.Diagnostics.UsesHeap,
		Table:     table,
		Locations: locations,
		Out:       os.Stdout,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if result.StackOverflow {
		logger.Warnf("stack overflow detected: the program used at least %d bytes of stack", result.MinStackUsage)
	}

	if result.TopException == unwind.TopExceptionHardFault {
		os.Exit(hardFaultExitCode)
	}
	return nil
}

// sanitizeLocations applies an all-or-nothing location policy: if the
// decoder's frame index set isn't a subset of the location map, locations
// are dropped entirely rather than attached inconsistently.
func sanitizeLocations(table defmtdec.Table, locations map[uint64]defmtdec.Location, logger interface{ Warn(args ...interface{}) }) map[uint64]defmtdec.Location {
	for _, idx := range table.Indices() {
		if _, ok := locations[idx]; !ok {
			logger.Warn("structured-log locations incomplete; omitting file:line for all frames")
			return nil
		}
	}
	return locations
}

func printChips(out *os.File) {
	for _, family := range chip.Families() {
		fmt.Fprintln(out, family.Name)
		for _, v := range family.Variants {
			fmt.Fprintf(out, "    %s\n", v.Name)
		}
	}
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, probe.ErrNoProbe), errors.Is(err, probe.ErrAttachFailed), errors.Is(err, probe.ErrFlashFailed):
		return 2
	case errors.Is(err, firmware.ErrMissingText), errors.Is(err, firmware.ErrMissingVectorTable), errors.Is(err, firmware.ErrMisaligned), errors.Is(err, firmware.ErrMalformed):
		return 3
	case errors.Is(err, unwind.ErrMissingDebugInfo), errors.Is(err, unwind.ErrBadExcReturn), errors.Is(err, unwind.ErrNonThumbReturnAddress):
		return 4
	case errors.Is(err, chip.ErrUnknownChip):
		return 5
	default:
		return 1
	}
}
