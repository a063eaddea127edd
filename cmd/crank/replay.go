package main

import (
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/torqlab/crank/angle"
	"github.com/torqlab/crank/datarecording"
	"github.com/torqlab/crank/monitoring"
	"github.com/torqlab/crank/scheduling"
	"github.com/torqlab/crank/trigger"
)

var replayFlags struct {
	teeth       int
	rpm         float64
	cycles      int
	channels    int
	advance     float64
	dwell       float64
	recordPath  string
	record      bool
	monitorPort int
}

// fixedRPM is an RPMSource with a constant reading, standing in for the RPM
// estimation subsystem during replay.
type fixedRPM angle.RPM

func (r fixedRPM) RPM() angle.RPM {
	return angle.RPM(r)
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a synthetic trigger tooth stream through per-channel schedulers.",
	Run: func(_ *cobra.Command, _ []string) {
		runReplay()
	},
}

func init() {
	f := replayCmd.Flags()
	f.IntVar(&replayFlags.teeth, "teeth", 60,
		"teeth per crank revolution")
	f.Float64Var(&replayFlags.rpm, "rpm", 3000, "engine speed")
	f.IntVar(&replayFlags.cycles, "cycles", 100,
		"engine cycles to replay")
	f.IntVar(&replayFlags.channels, "channels", 4, "ignition channels")
	f.Float64Var(&replayFlags.advance, "advance", 10,
		"spark advance in degrees before the channel's firing phase")
	f.Float64Var(&replayFlags.dwell, "dwell", 22,
		"coil dwell in degrees before the spark")
	f.BoolVar(&replayFlags.record, "record", false,
		"record armings and sweeps to SQLite")
	f.StringVar(&replayFlags.recordPath, "record-path", "",
		"database path for --record (without extension)")
	f.IntVar(&replayFlags.monitorPort, "monitor", 0,
		"serve the monitoring API on this port (0 disables)")

	rootCmd.AddCommand(replayCmd)
}

type channelState struct {
	charge trigger.AngleEvent
	fire   trigger.AngleEvent

	chargePhase angle.Angle
	firePhase   angle.Angle

	chargeCount atomic.Uint64
	fireCount   atomic.Uint64
}

func runReplay() {
	const cycle = angle.FourStrokeCycle

	rpm := angle.RPM(replayFlags.rpm)
	executor := scheduling.NewVirtualExecutor()
	bank := trigger.NewBank("Ignition", replayFlags.channels, 2,
		executor, fixedRPM(rpm), cycle)

	var recorder *datarecording.Recorder
	if replayFlags.record {
		recorder = datarecording.New(replayFlags.recordPath)
		hook := datarecording.NewSchedulerHook(recorder)
		for i := 0; i < bank.ChannelCount(); i++ {
			bank.Channel(i).AcceptHook(hook)
		}
	}

	if replayFlags.monitorPort != 0 {
		monitor := monitoring.NewMonitor().
			WithPortNumber(replayFlags.monitorPort)
		monitor.RegisterExecutor(executor)
		for i := 0; i < bank.ChannelCount(); i++ {
			monitor.RegisterScheduler(bank.Channel(i))
		}
		monitor.StartServer()
	}

	channels := setupChannels(bank, cycle)

	replayToothStream(bank, executor, channels, rpm, cycle)

	for i, ch := range channels {
		logger.Info().
			Int("channel", i).
			Uint64("charges", ch.chargeCount.Load()).
			Uint64("sparks", ch.fireCount.Load()).
			Uint32("event_reuse", bank.Channel(i).EventReuseCount()).
			Int("still_pending", bank.Channel(i).PendingCount()).
			Msg("channel summary")
	}

	logger.Info().
		Int("outstanding_armings", executor.Outstanding()).
		Float64("virtual_time", float64(executor.Now())).
		Msg("replay finished")

	if recorder != nil {
		recorder.Flush()
	}
}

// setupChannels distributes firing phases evenly across the engine cycle
// and registers a charge and a fire event per channel.
func setupChannels(bank *trigger.Bank, cycle angle.Angle) []*channelState {
	channels := make([]*channelState, bank.ChannelCount())

	for i := range channels {
		ch := &channelState{}

		tdc := cycle / angle.Angle(len(channels)) * angle.Angle(i)
		ch.firePhase = angle.Normalize(
			tdc-angle.Angle(replayFlags.advance), cycle)
		ch.chargePhase = angle.Normalize(
			ch.firePhase-angle.Angle(replayFlags.dwell), cycle)

		s := bank.Channel(i)
		if err := s.Register(&ch.charge); err != nil {
			logger.Fatal().Err(err).Msg("registering charge event")
		}
		if err := s.Register(&ch.fire); err != nil {
			logger.Fatal().Err(err).Msg("registering fire event")
		}

		channels[i] = ch
	}

	return channels
}

// replayToothStream walks tooth by tooth through the requested number of
// engine cycles, submitting each channel's charge/fire pair once per cycle
// and sweeping every scheduler on every tooth.
func replayToothStream(
	bank *trigger.Bank,
	executor *scheduling.VirtualExecutor,
	channels []*channelState,
	rpm angle.RPM,
	cycle angle.Angle,
) {
	toothAngle := angle.DegreesPerRevolution / angle.Angle(replayFlags.teeth)
	teethPerCycle := int(cycle / toothAngle)
	toothPeriod := scheduling.Time(rpm.SecondsForAngle(toothAngle))

	totalTeeth := replayFlags.cycles * teethPerCycle
	for k := 0; k < totalTeeth; k++ {
		toothIndex := uint32(k % teethPerCycle)
		edgeTimestamp := scheduling.Time(k) * toothPeriod
		currentPhase := angle.Normalize(
			angle.Angle(k)*toothAngle, cycle)
		nextPhase := angle.Normalize(
			angle.Angle(k+1)*toothAngle, cycle)

		bank.SweepAll(rpm, toothIndex, edgeTimestamp,
			currentPhase, nextPhase)

		if toothIndex == 0 {
			submitCycleRequests(bank, channels, toothIndex,
				edgeTimestamp, currentPhase, nextPhase)
		}

		executor.RunUntil(edgeTimestamp + toothPeriod)
	}
}

func submitCycleRequests(
	bank *trigger.Bank,
	channels []*channelState,
	toothIndex uint32,
	edgeTimestamp scheduling.Time,
	currentPhase, nextPhase angle.Angle,
) {
	for i, ch := range channels {
		ch := ch
		s := bank.Channel(i)

		chargeImmediate := s.ScheduleOrQueueAtPhase(
			&ch.charge, ch.chargePhase, edgeTimestamp,
			currentPhase, nextPhase,
			scheduling.ActionFunc(func() { ch.chargeCount.Add(1) }))
		fireImmediate := s.ScheduleOrQueueAtPhase(
			&ch.fire, ch.firePhase, edgeTimestamp,
			currentPhase, nextPhase,
			scheduling.ActionFunc(func() { ch.fireCount.Add(1) }))

		logger.Debug().
			Int("channel", i).
			Uint32("tooth", toothIndex).
			Bool("charge_immediate", chargeImmediate).
			Bool("fire_immediate", fireImmediate).
			Msg("submitted cycle requests")
	}
}
