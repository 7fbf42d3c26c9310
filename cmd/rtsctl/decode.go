package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/sqe"
	"github.com/urfave/cli/v3"
)

func decodeCmd() *cli.Command {
	var gen string

	return &cli.Command{
		Name:      "decode",
		Usage:     "Decode the header of one 64-byte SQE given as hex",
		ArgsUsage: "<hex>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "generation",
				Aliases:     []string{"gen"},
				Usage:       "chip generation (stars, david)",
				Value:       "david",
				Destination: &gen,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			g, err := chip.ParseGeneration(gen)
			if err != nil {
				return err
			}
			s, err := parseSQE(strings.Join(cmd.Args().Slice(), ""))
			if err != nil {
				return err
			}
			fmt.Println(sqe.Decode(g, s))
			return nil
		},
	}
}

func parseSQE(text string) (sqe.SQE, error) {
	var s sqe.SQE
	text = strings.NewReplacer(" ", "", "\n", "", "\t", "", "0x", "").Replace(text)
	b, err := hex.DecodeString(text)
	if err != nil {
		return s, fmt.Errorf("decode sqe: %w", err)
	}
	if len(b) != sqe.Size {
		return s, fmt.Errorf("decode sqe: got %d bytes, want %d", len(b), sqe.Size)
	}
	copy(s[:], b)
	return s, nil
}
