package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/samcharles93/rts/internal/sqe"
	"github.com/samcharles93/rts/pkg/sqdump"
	"github.com/urfave/cli/v3"
)

func inspectCmd() *cli.Command {
	var all bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the streams and pending SQEs of an SQ capture",
		ArgsUsage: "<capture.sqd>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "all",
				Usage:       "decode every slot, not only those between head and tail",
				Destination: &all,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return cli.Exit("inspect needs exactly one capture file", 2)
			}
			sf, err := sqdump.Open(cmd.Args().First())
			if err != nil {
				return err
			}
			defer func() { _ = sf.Close() }()
			return printCapture(os.Stdout, sf, all)
		},
	}
}

func printCapture(w io.Writer, sf *sqdump.File, all bool) error {
	gen := sf.Header.Gen()
	_, _ = fmt.Fprintf(w, "sqdump v%d.%d  generation=%s  streams=%d\n", sf.Header.Major, sf.Header.Minor, gen, len(sf.Streams))
	for i := range sf.Streams {
		s := &sf.Streams[i]
		_, _ = fmt.Fprintf(w, "\nstream %d  depth=%d head=%d tail=%d base=%#x\n", s.StreamID, s.Depth, s.Head, s.Tail, s.Base)
		if all {
			for pos := range s.Depth {
				_, _ = fmt.Fprintf(w, "  [%4d] %s\n", pos, sqe.Decode(gen, sf.Slot(s, pos)))
			}
			continue
		}
		cont := 0
		for pos, e := range sf.Pending(s) {
			if cont > 0 {
				cont--
				_, _ = fmt.Fprintf(w, "  [%4d] ARGS\n", pos)
				continue
			}
			cont = sqe.Span(gen, e) - 1
			_, _ = fmt.Fprintf(w, "  [%4d] %s\n", pos, sqe.Decode(gen, e))
		}
	}
	return nil
}
