package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/pkg/profile"
	"github.com/samcharles93/rts/internal/hal"
	"github.com/samcharles93/rts/internal/logger"
	"github.com/samcharles93/rts/internal/queue"
	"github.com/samcharles93/rts/internal/task"
	"github.com/samcharles93/rts/internal/tscode"
	"github.com/samcharles93/rts/pkg/sqdump"
	"github.com/urfave/cli/v3"
)

// maxDrainSteps bounds the step and poll rounds after the last submission.
const maxDrainSteps = 10000

func simulateCmd() *cli.Command {
	var (
		dumpPath   string
		profileDir string
	)

	return &cli.Command{
		Name:      "simulate",
		Usage:     "Run a yaml workload against the simulated device",
		ArgsUsage: "<workload.yaml>",
		Flags: append(deviceFlags(),
			&cli.StringFlag{
				Name:        "dump",
				Usage:       "write an SQ capture after all tasks are submitted",
				Destination: &dumpPath,
			},
			&cli.StringFlag{
				Name:        "profile",
				Usage:       "write a cpu profile into this directory",
				Destination: &profileDir,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return cli.Exit("simulate needs exactly one workload file", 2)
			}
			applyDeviceConfig(cmd, LoadConfig())
			log := logger.FromContext(ctx)

			if profileDir != "" {
				defer profile.Start(profile.CPUProfile, profile.ProfilePath(profileDir), profile.Quiet).Stop()
			}

			w, err := LoadWorkload(cmd.Args().First())
			if err != nil {
				return err
			}
			r, err := newRig(log, &w)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			outcomes, err := runWorkload(ctx, r, w, dumpPath)
			if err != nil {
				return err
			}
			return report(os.Stdout, r, outcomes)
		},
	}
}

// outcome is the final state of one workload task.
type outcome struct {
	StreamID uint32
	TaskID   uint32
	Sn       uint32
	Kind     task.Kind
	Result   task.Result
	Done     bool
}

type pending struct {
	d   *task.Descriptor
	sid uint32
}

// submitted is what submitWorkload queued.
type submitted struct {
	sids  []uint32
	tasks []pending
}

// submitWorkload creates the streams, submits every task and queues the
// scripted error records. A full queue is drained by stepping the device.
func submitWorkload(ctx context.Context, r *rig, w Workload) (submitted, error) {
	var out submitted
	for _, ss := range w.Streams {
		sid, err := r.dev.NewStream(queue.WithWrCqe(ss.WrCqe))
		if err != nil {
			return out, err
		}
		out.sids = append(out.sids, sid)
	}

	for i, ss := range w.Streams {
		sid := out.sids[i]
		for j, ts := range ss.Tasks {
			kind, ok := taskKinds[ts.Kind]
			if !ok {
				return out, fmt.Errorf("stream %d task %d: unknown kind %q", i, j, ts.Kind)
			}
			for range max(ts.Repeat, 1) {
				d, err := r.dev.Alloc(sid, kind)
				if err != nil {
					return out, err
				}
				if err := initTask(d, ts); err != nil {
					return out, fmt.Errorf("stream %d task %d: %w", i, j, err)
				}
				if err := submit(ctx, r, d); err != nil {
					return out, fmt.Errorf("stream %d task %d: %w", i, j, err)
				}
				if ts.Fail != nil {
					r.drv.FailTask(sid, d.ID, hal.CQE{ErrorType: ts.Fail.ErrorType, ErrorCode: ts.Fail.ErrorCode, SubCode: ts.Fail.SubCode})
				}
				out.tasks = append(out.tasks, pending{d: d, sid: sid})
			}
		}
	}

	for _, rs := range w.ErrorRecords {
		rec, err := rs.record(r.dev.ID())
		if err != nil {
			return out, err
		}
		r.drv.PushErrorRecord(rec)
	}
	return out, nil
}

// runWorkload submits the workload, optionally captures the queues, and
// drains every stream.
func runWorkload(ctx context.Context, r *rig, w Workload, dumpPath string) ([]outcome, error) {
	log := logger.FromContext(ctx)
	sub, err := submitWorkload(ctx, r, w)
	if err != nil {
		return nil, err
	}
	log.Info("workload submitted", "streams", len(sub.sids), "tasks", len(sub.tasks))

	if dumpPath != "" {
		if err := writeCapture(r, dumpPath); err != nil {
			return nil, err
		}
		log.Info("sq capture written", "path", dumpPath)
	}

	if err := drain(ctx, r, sub.sids); err != nil {
		return nil, err
	}

	out := make([]outcome, 0, len(sub.tasks))
	for _, p := range sub.tasks {
		res, done := p.d.Result()
		out = append(out, outcome{StreamID: p.sid, TaskID: p.d.ID, Sn: p.d.Sn, Kind: p.d.Kind, Result: res, Done: done})
	}
	return out, nil
}

// submit retries a full queue after letting the device make progress.
func submit(ctx context.Context, r *rig, d *task.Descriptor) error {
	for range maxDrainSteps {
		err := r.dev.Submit(ctx, d)
		if !errors.Is(err, queue.ErrQueueFull) {
			return err
		}
		r.drv.Step()
		if _, err := r.dev.Poll(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("stream %d: %w after %d rounds", d.StreamID, queue.ErrQueueFull, maxDrainSteps)
}

func drain(ctx context.Context, r *rig, sids []uint32) error {
	for range maxDrainSteps {
		r.drv.Step()
		if _, err := r.dev.Poll(ctx); err != nil {
			return err
		}
		idle := true
		for _, sid := range sids {
			st, err := r.dev.Stream(sid)
			if err != nil {
				return err
			}
			if len(st.Outstanding()) > 0 {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return errors.New("workload did not drain")
}

func writeCapture(r *rig, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w, err := sqdump.NewWriter(f, r.dev.Profile().Generation)
	if err != nil {
		return err
	}
	for _, occ := range r.dev.Occupancy() {
		ring, err := r.dev.Ring(occ.StreamID)
		if err != nil {
			return err
		}
		meta := sqdump.Stream{StreamID: occ.StreamID, Depth: occ.Depth, Head: occ.Head, Tail: occ.Tail, Base: ring.Base()}
		if err := w.WriteStream(meta, ring.Snapshot()); err != nil {
			return err
		}
	}
	return w.Finalise()
}

func report(out io.Writer, r *rig, outcomes []outcome) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STREAM\tTASK\tSN\tKIND\tRESULT\tMTE")
	failed := 0
	for _, o := range outcomes {
		status := "pending"
		if o.Done {
			status = tscode.Name(o.Result.ErrorCode)
			if !o.Result.OK() {
				failed++
			}
		}
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%#x\n", o.StreamID, o.TaskID, o.Sn, o.Kind, status, o.Result.MteErrCode)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	v := r.dev.Fault()
	_, err := fmt.Fprintf(out, "\n%d tasks, %d failed, device fault %s\n", len(outcomes), failed, v.Type)
	return err
}
