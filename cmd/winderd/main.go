// winderd is the host daemon for the ortho-cyclic coil winder. It runs
// the real-time control loop against the rig firmware (or an in-process
// simulator), and serves operator commands and telemetry over HTTP and
// WebSocket.
//
// Usage:
//
//	winderd run --config winder.cfg [--sim] [--start]
//	winderd plan --config winder.cfg [--turns N]
//	winderd version
package main

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gobbyo/orthocyclic-winder/pkg/config"
	"github.com/gobbyo/orthocyclic-winder/pkg/geometry"
	"github.com/gobbyo/orthocyclic-winder/pkg/log"
)

var version = "0.3.0"

func main() {
	var (
		configPath string
		logLevel   string
		logJSON    bool
	)

	root := &cobra.Command{
		Use:   "winderd",
		Short: "Ortho-cyclic coil winder host",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "winder.cfg", "configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON log lines")

	newLogger := func() *log.Logger {
		logger := log.New("winderd")
		logger.SetLevel(log.ParseLevel(logLevel))
		if logJSON {
			logger.SetFormat(log.FormatJSON)
		}
		return logger
	}

	var (
		simulate  bool
		autoStart bool
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the winder control loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			logger.Info("winderd %s starting", version)

			a, err := buildApp(configPath, simulate, logger)
			if err != nil {
				return err
			}
			return runApp(a, autoStart)
		},
	}
	runCmd.Flags().BoolVar(&simulate, "sim", false, "run against the in-process rig simulator")
	runCmd.Flags().BoolVar(&autoStart, "start", false, "begin winding immediately")

	var planTurns int
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the layer-by-layer winding plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printPlan(configPath, planTurns)
		},
	}
	planCmd.Flags().IntVar(&planTurns, "turns", 0, "plan for a total turn count instead of full layers")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the winderd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("winderd", version)
		},
	}

	root.AddCommand(runCmd, planCmd, versionCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// runApp runs the assembled stack until a termination signal.
func runApp(a *app, autoStart bool) error {
	logger := a.logger

	logger.WithFields(log.Fields{
		"gear_ratio":      fmt.Sprintf("%.6f", a.consts.GearRatio),
		"turns_odd":       a.consts.TurnsOdd,
		"turns_even":      a.consts.TurnsEven,
		"steps_per_layer": a.consts.StepsPerLayer,
	}).Info("winding geometry")

	a.reactor.Run()
	if a.sim != nil {
		a.sim.Run()
	} else {
		a.link.Run()
	}
	a.sup.Attach(a.reactor)

	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server: %v", err)
		}
	}()

	if autoStart {
		if err := a.sup.Start(); err != nil {
			return err
		}
		// The spindle speed is scaled for the wire gauge so the
		// traverse never outruns its rate limit.
		rpm := int(math.Round(float64(a.baseRPM) * a.consts.SpindleSpeedScale))
		if err := a.spindle.SetSpeed(rpm); err != nil {
			logger.Error("spindle start: %v", err)
		} else {
			logger.Info("spindle commanded to %d RPM", rpm)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("received %v, shutting down", s)

	if err := a.spindle.Stop(); err != nil {
		logger.Warn("spindle stop: %v", err)
	}
	a.sup.Abort()
	a.server.Stop()

	if a.sim != nil {
		a.sim.Close()
	} else {
		a.link.Hibernate()
		a.link.Close()
		a.hwCloser.Close()
	}

	a.reactor.End()
	a.reactor.Wait()
	return nil
}

// printPlan prints the layer plan derived from the configuration.
func printPlan(configPath string, turns int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	program, err := loadProgram(cfg)
	if err != nil {
		return err
	}

	var (
		plan    []geometry.LayerPlan
		summary geometry.PlanSummary
	)
	if turns > 0 {
		plan, summary, err = geometry.PlanForTurns(program, turns)
	} else {
		plan, summary, err = geometry.PlanForProgram(program)
	}
	if err != nil {
		return err
	}

	consts, err := geometry.Compute(program)
	if err != nil {
		return err
	}

	fmt.Printf("wire OD %.3fmm, traverse %.1fmm, gear ratio %.6f, %.4f turns/layer\n",
		program.WireOD, program.TraverseLength, consts.GearRatio, consts.TurnsPerLayerExact)
	fmt.Println("layer  turns  steps  direction")
	for _, lp := range plan {
		dir := "out"
		if lp.Direction < 0 {
			dir = "back"
		}
		fmt.Printf("%5d  %5d  %5d  %s\n", lp.Layer+1, lp.Turns, lp.Steps, dir)
	}
	fmt.Printf("total: %d layers, %d turns", summary.LayerCount, summary.ActualTurns)
	if summary.OverrunTurns > 0 {
		fmt.Printf(" (%d past the requested %d)", summary.OverrunTurns, summary.RequestedTurns)
	}
	fmt.Println()
	return nil
}
