package main

import (
	"io"
	"net"
	"strings"
	"time"

	"github.com/gobbyo/orthocyclic-winder/pkg/config"
	"github.com/gobbyo/orthocyclic-winder/pkg/encoder"
	"github.com/gobbyo/orthocyclic-winder/pkg/gauge"
	"github.com/gobbyo/orthocyclic-winder/pkg/geometry"
	"github.com/gobbyo/orthocyclic-winder/pkg/hw"
	"github.com/gobbyo/orthocyclic-winder/pkg/layer"
	"github.com/gobbyo/orthocyclic-winder/pkg/log"
	"github.com/gobbyo/orthocyclic-winder/pkg/reactor"
	"github.com/gobbyo/orthocyclic-winder/pkg/serial"
	"github.com/gobbyo/orthocyclic-winder/pkg/status"
	"github.com/gobbyo/orthocyclic-winder/pkg/supervisor"
	"github.com/gobbyo/orthocyclic-winder/pkg/tension"
	"github.com/gobbyo/orthocyclic-winder/pkg/traverse"
	"github.com/gobbyo/orthocyclic-winder/pkg/werrors"
)

// spindleDrive is either the firmware spindle driver or the simulator.
type spindleDrive interface {
	SetSpeed(rpm int) error
	Stop() error
}

// app holds the assembled winder stack.
type app struct {
	cfg     *config.Config
	logger  *log.Logger
	reactor *reactor.Reactor
	tracker *encoder.Tracker
	sup     *supervisor.Supervisor
	server  *status.Server
	spindle spindleDrive
	consts  geometry.Constants
	baseRPM int

	link     *hw.Link  // nil when simulating
	sim      *hw.Sim   // nil on real hardware
	hwCloser io.Closer // serial port or TCP bridge connection
}

// loadProgram reads the [winding] and [traverse] sections into a
// winding program. Wire size comes from either wire_od or an AWG gauge.
func loadProgram(cfg *config.Config) (geometry.Program, error) {
	winding, err := cfg.Section("winding")
	if err != nil {
		return geometry.Program{}, err
	}
	trav, err := cfg.Section("traverse")
	if err != nil {
		return geometry.Program{}, err
	}

	var wireOD float64
	if winding.HasOption("wire_od") {
		wireOD, err = winding.GetFloatAbove("wire_od", 0)
		if err != nil {
			return geometry.Program{}, err
		}
	} else {
		awg, err := winding.GetInt("wire_awg")
		if err != nil {
			return geometry.Program{}, err
		}
		typeName, err := winding.GetChoice("wire_type",
			[]string{"bare", "magnet", "stranded"}, "magnet")
		if err != nil {
			return geometry.Program{}, err
		}
		wireOD, err = gauge.Diameter(awg, gauge.WireType(typeName))
		if err != nil {
			return geometry.Program{}, err
		}
	}

	length, err := winding.GetFloatAbove("traverse_length", 0)
	if err != nil {
		return geometry.Program{}, err
	}
	layers, err := winding.GetIntAbove("layers", 0)
	if err != nil {
		return geometry.Program{}, err
	}
	pitch, err := trav.GetFloatAbove("lead_screw_pitch", 0, 1.25)
	if err != nil {
		return geometry.Program{}, err
	}
	stepsPerRev, err := trav.GetIntAbove("steps_per_rev", 0, 200)
	if err != nil {
		return geometry.Program{}, err
	}

	return geometry.Program{
		WireOD:         wireOD,
		TraverseLength: length,
		Layers:         layers,
		LeadScrewPitch: pitch,
		StepsPerRev:    stepsPerRev,
	}, nil
}

// buildApp assembles the full stack from the configuration file.
func buildApp(path string, simulate bool, logger *log.Logger) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	program, err := loadProgram(cfg)
	if err != nil {
		return nil, err
	}
	consts, err := geometry.Compute(program)
	if err != nil {
		return nil, err
	}

	enc := cfg.SectionOrDefault("encoder")
	encCfg := encoder.DefaultConfig()
	if encCfg.EdgesPerRev, err = enc.GetIntAbove("edges_per_rev", 0, encCfg.EdgesPerRev); err != nil {
		return nil, err
	}
	if encCfg.GapFactor, err = enc.GetFloatAbove("gap_factor", 1, encCfg.GapFactor); err != nil {
		return nil, err
	}
	if encCfg.QueueSize, err = enc.GetIntAbove("queue_size", 0, encCfg.QueueSize); err != nil {
		return nil, err
	}
	tracker, err := encoder.New(encCfg)
	if err != nil {
		return nil, err
	}

	ten, err := cfg.Section("tension")
	if err != nil {
		return nil, err
	}
	tenCfg := tension.DefaultConfig()
	if tenCfg.SetpointGrams, err = ten.GetFloatAbove("setpoint_grams", 0); err != nil {
		return nil, err
	}
	if tenCfg.Kp, err = ten.GetFloatAbove("kp", 0, tenCfg.Kp); err != nil {
		return nil, err
	}
	if tenCfg.Ki, err = ten.GetFloat("ki", tenCfg.Ki); err != nil {
		return nil, err
	}
	if tenCfg.MaxOutput, err = ten.GetFloatAbove("max_output", 0, tenCfg.MaxOutput); err != nil {
		return nil, err
	}
	if tenCfg.ToleranceGrams, err = ten.GetFloatAbove("tolerance_grams", 0, tenCfg.ToleranceGrams); err != nil {
		return nil, err
	}
	if tenCfg.DwellTime, err = ten.GetFloatAbove("dwell_time", 0, tenCfg.DwellTime); err != nil {
		return nil, err
	}
	if tenCfg.RampTime, err = ten.GetFloat("ramp_time", tenCfg.RampTime); err != nil {
		return nil, err
	}
	if tenCfg.Scale.Offset, err = ten.GetFloat("scale_offset", 0); err != nil {
		return nil, err
	}
	if tenCfg.Scale.Factor, err = ten.GetFloat("scale_factor", 1); err != nil {
		return nil, err
	}
	if tenCfg.Scale.ZeroDeadband, err = ten.GetFloat("zero_deadband", 0); err != nil {
		return nil, err
	}
	tenLoop, err := tension.New(tenCfg)
	if err != nil {
		return nil, err
	}

	machine, err := layer.New(consts, program.Layers)
	if err != nil {
		return nil, err
	}

	trav, err := cfg.Section("traverse")
	if err != nil {
		return nil, err
	}
	travCfg := traverse.Config{
		LeadScrewPitch: program.LeadScrewPitch,
		StepsPerRev:    program.StepsPerRev,
		TravelLength:   program.TraverseLength,
	}
	if travCfg.PhaseToleranceMM, err = trav.GetFloatAbove("phase_tolerance_mm", 0); err != nil {
		return nil, err
	}
	if travCfg.MaxStepsPerTick, err = trav.GetIntAbove("max_steps_per_tick", 0, 40); err != nil {
		return nil, err
	}
	if travCfg.DriftFaultTicks, err = trav.GetIntAbove("drift_fault_ticks", 0, 50); err != nil {
		return nil, err
	}
	if travCfg.EndMargin, err = trav.GetFloat("end_margin", 0); err != nil {
		return nil, err
	}

	supSec := cfg.SectionOrDefault("supervisor")
	supCfg := supervisor.DefaultConfig()
	if supCfg.TickPeriod, err = supSec.GetFloatAbove("tick_period", 0, supCfg.TickPeriod); err != nil {
		return nil, err
	}
	if supCfg.TensionPeriod, err = supSec.GetFloatAbove("tension_period", 0, supCfg.TensionPeriod); err != nil {
		return nil, err
	}

	spindleSec := cfg.SectionOrDefault("spindle")
	baseRPM, err := spindleSec.GetIntAbove("rpm", 0, 300)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		reactor: reactor.New(),
		tracker: tracker,
		consts:  consts,
		baseRPM: baseRPM,
	}

	var (
		travAct  traverse.Actuator
		brake    supervisor.BrakeActuator
		loadCell supervisor.LoadCell
	)
	if simulate {
		simCfg := hw.DefaultSimConfig()
		simCfg.SpindleRPM = float64(baseRPM)
		simCfg.EdgesPerRev = encCfg.EdgesPerRev
		a.sim = hw.NewSim(simCfg, tracker, a.reactor.Monotonic)
		travAct, brake, loadCell = a.sim, a.sim, a.sim
		a.spindle = a.sim
	} else {
		serialSec, err := cfg.Section("serial")
		if err != nil {
			return nil, err
		}
		device, err := serialSec.Get("device")
		if err != nil {
			return nil, err
		}
		baud, err := serialSec.GetIntAbove("baud", 0, 115200)
		if err != nil {
			return nil, err
		}
		portCfg := serial.DefaultConfig()
		portCfg.BaudRate = baud

		var rw io.ReadWriteCloser
		switch {
		case strings.HasPrefix(device, "tcp:"):
			// Serial-over-TCP bridge, e.g. ser2net on the rig host.
			conn, err := net.DialTimeout("tcp",
				strings.TrimPrefix(device, "tcp:"), portCfg.ConnectTimeout)
			if err != nil {
				return nil, werrors.Wrap(err, werrors.ErrSerialLink, "connect winder bridge")
			}
			rw = conn
		case device == "auto":
			port, err := serial.Detect(portCfg, portCfg.ConnectTimeout)
			if err != nil {
				return nil, werrors.Wrap(err, werrors.ErrSerialLink, "detect winder controller")
			}
			logger.Info("detected winder controller on %s", port.Device())
			rw = port
		default:
			portCfg.Device = device
			port, err := serial.Open(portCfg)
			if err != nil {
				return nil, werrors.Wrap(err, werrors.ErrSerialLink, "open winder controller")
			}
			rw = port
		}
		a.hwCloser = rw
		a.link = hw.NewLink(serial.NewConn(rw), tracker, a.reactor.Monotonic, logger.Component("link"))
		travAct = hw.NewTraverse(a.link)
		brake = hw.NewBrake(a.link)
		loadCell = a.link
		a.spindle = hw.NewSpindle(a.link)
	}

	travCtl, err := traverse.New(travCfg, consts, travAct)
	if err != nil {
		return nil, err
	}

	a.sup, err = supervisor.New(supCfg, consts, program.Layers,
		tracker, tenLoop, machine, travCtl, loadCell, brake,
		logger.Component("supervisor"))
	if err != nil {
		return nil, err
	}
	a.sup.RegisterDisabler("spindle", func() error { return a.spindle.Stop() })

	statusSec := cfg.SectionOrDefault("status")
	addr, err := statusSec.Get("listen", ":7130")
	if err != nil {
		return nil, err
	}
	periodMS, err := statusSec.GetIntAbove("broadcast_ms", 0, 250)
	if err != nil {
		return nil, err
	}
	a.server = status.New(status.Config{
		Addr:            addr,
		BroadcastPeriod: time.Duration(periodMS) * time.Millisecond,
		Winder:          a.sup,
		Logger:          logger.Component("status"),
	})

	for _, opt := range cfg.UnusedOptions() {
		logger.Warn("unused config option: %s", opt)
	}
	return a, nil
}
