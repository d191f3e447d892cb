package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/yuuki/paserver/internal/config"
	"github.com/yuuki/paserver/internal/service"
)

const usage = `Usage: pactl [flags] <command> [args]

Commands:
  classportinfo              Show the PA class port info
  pmconfig                   Show the performance manager configuration
  image                      Show image info
  groups                     List group names
  group <name>               Show one group
  groups-multi <name>...     Show several groups in one request
  port <lid> <port>          Show port counters
  counters <first> <last>    Fetch port 1 counters for a LID range
  seed <image-num>           Write a sample image to rqlite

Flags:
`

func main() {
	flagSet := pflag.NewFlagSet("pactl", pflag.ExitOnError)
	config.SetupClientFlags(flagSet)
	flagSet.Uint64("image", 0, "Image number to query (0 for the latest)")
	flagSet.Int("hosts", 16, "Number of hosts in a seeded image")
	flagSet.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}
	if flagSet.NArg() == 0 {
		flagSet.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadClientConfigWithFlags(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	service.InitLogging(cfg.LogLevel)

	imageNum, _ := flagSet.GetUint64("image")
	hosts, _ := flagSet.GetInt("hosts")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{
		cfg:      cfg,
		out:      os.Stdout,
		imageNum: imageNum,
		hosts:    hosts,
	}
	if err := c.run(ctx, flagSet.Args()); err != nil {
		log.Error().Err(err).Str("command", flagSet.Arg(0)).Msg("Command failed")
		os.Exit(1)
	}
}
