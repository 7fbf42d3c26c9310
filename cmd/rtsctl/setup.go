package main

import (
	"fmt"
	"os"

	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/fault"
	"github.com/samcharles93/rts/internal/hal/sim"
	"github.com/samcharles93/rts/internal/journal"
	"github.com/samcharles93/rts/internal/logger"
	"github.com/samcharles93/rts/internal/rts"
)

// rig is a device on the simulated driver.
type rig struct {
	dev *rts.Device
	drv *sim.Driver
	jrn *journal.Journal
}

func (r *rig) Close() error {
	err := r.dev.Close()
	if r.jrn != nil {
		if jerr := r.jrn.Close(); err == nil {
			err = jerr
		}
	}
	return err
}

// newRig builds a simulated device from the device flags, letting a
// workload override the generation, queue depth and RAS support.
func newRig(log logger.Logger, w *Workload) (*rig, error) {
	genName := generation
	if w != nil && w.Generation != "" {
		genName = w.Generation
	}
	gen, err := chip.ParseGeneration(genName)
	if err != nil {
		return nil, err
	}
	prof := chip.DefaultProfile(gen)
	if queueDepth > 0 {
		prof.QueueDepth = uint32(queueDepth)
	}
	if w != nil && w.QueueDepth > 0 {
		prof.QueueDepth = w.QueueDepth
	}

	var simOpts []sim.Option
	if w != nil && w.RAS != nil {
		simOpts = append(simOpts, sim.WithRAS(*w.RAS))
	}
	drv := sim.New(gen, simOpts...)

	opts := []rts.Option{rts.WithLogger(log)}
	if faultTables != "" {
		f, err := os.Open(faultTables)
		if err != nil {
			return nil, err
		}
		tables, err := fault.LoadTables(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("fault tables %s: %w", faultTables, err)
		}
		opts = append(opts, rts.WithFaultTables(tables))
	}

	r := &rig{drv: drv}
	if journalPath != "" {
		r.jrn, err = journal.Open(journalPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, rts.WithJournal(r.jrn))
	}
	r.dev, err = rts.New(prof, drv, opts...)
	if err != nil {
		if r.jrn != nil {
			_ = r.jrn.Close()
		}
		return nil, err
	}
	if w != nil {
		for _, ev := range w.Events {
			drv.InjectEvents(ev.event())
		}
	}
	return r, nil
}
