package trigger

import (
	"fmt"
	"log"

	"github.com/torqlab/crank/angle"
	"github.com/torqlab/crank/scheduling"
)

// A Bank is the fixed set of per-channel schedulers owned by an actuation
// subsystem, e.g. one scheduler per ignition coil. The channel count is
// fixed at construction; channels are addressed by index.
type Bank struct {
	schedulers []*Scheduler
}

// NewBank creates channelCount schedulers named prefix0..prefixN-1, all
// sharing one executor and RPM source.
func NewBank(
	prefix string,
	channelCount int,
	eventsPerChannel int,
	executor scheduling.Executor,
	rpmSource angle.RPMSource,
	cycle angle.Angle,
) *Bank {
	if channelCount <= 0 {
		log.Panic("bank channel count must be positive")
	}

	b := &Bank{
		schedulers: make([]*Scheduler, channelCount),
	}

	for i := range b.schedulers {
		b.schedulers[i] = NewScheduler(
			fmt.Sprintf("%s%d", prefix, i),
			eventsPerChannel, executor, rpmSource, cycle)
	}

	return b
}

// ChannelCount returns the number of channels in the bank.
func (b *Bank) ChannelCount() int {
	return len(b.schedulers)
}

// Channel returns the scheduler for one channel.
func (b *Bank) Channel(i int) *Scheduler {
	return b.schedulers[i]
}

// SweepAll runs the per-tooth sweep on every channel.
func (b *Bank) SweepAll(
	rpm angle.RPM,
	toothIndex uint32,
	edgeTimestamp scheduling.Time,
	currentPhase, nextPhase angle.Angle,
) {
	for _, s := range b.schedulers {
		s.ScheduleEventsUntilNextTriggerTooth(
			rpm, toothIndex, edgeTimestamp, currentPhase, nextPhase)
	}
}
