package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

var (
	generation   string
	queueDepth   int64
	journalPath  string
	faultTables  string
	pollInterval time.Duration
	logLevel     string
	logFormat    string
	debug        bool
)

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "generation",
			Aliases:     []string{"gen"},
			Usage:       "chip generation (stars, david)",
			Value:       "david",
			Destination: &generation,
		},
		&cli.Int64Flag{
			Name:        "queue-depth",
			Usage:       "slots per stream queue (0 keeps the generation default)",
			Destination: &queueDepth,
		},
		&cli.StringFlag{
			Name:        "journal",
			Usage:       "sqlite journal for completions and faults",
			Destination: &journalPath,
		},
		&cli.StringFlag{
			Name:        "fault-tables",
			Usage:       "yaml file overriding the built-in fault blacklists and RAS filters",
			Destination: &faultTables,
		},
		&cli.DurationFlag{
			Name:        "poll-interval",
			Usage:       "completion poll interval",
			Value:       time.Millisecond,
			Destination: &pollInterval,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
