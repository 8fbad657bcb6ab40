package main

import (
	"context"
	"os"
	"os/signal"
	"strings"

	units "github.com/docker/go-units"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"dcap"
	"dcap/stress"
)

func main() {
	app := cli.NewApp()
	app.Name = "dcap-stress"
	app.Usage = "write, read back and verify replicas on a running pool"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "pool, p", Value: "127.0.0.1:22125", Usage: "pool RPC address"},
		cli.StringFlag{Name: "door", Usage: "door listen address for passive transfers, empty for active only"},
		cli.IntFlag{Name: "workers, w", Value: 4},
		cli.IntFlag{Name: "rounds, n", Value: 10, Usage: "replicas written per worker"},
		cli.StringFlag{Name: "max-size", Value: "4MiB"},
		cli.IntFlag{Name: "segments", Value: 4, Usage: "random ranges checked per read"},
		cli.StringSliceFlag{Name: "option, o", Usage: "mover option key=value, e.g. bsize=64k"},
	}
	app.Action = func(ctx *cli.Context) error {
		size, err := units.RAMInBytes(ctx.String("max-size"))
		if err != nil {
			return err
		}
		opts := make(map[string]string)
		for _, o := range ctx.StringSlice("option") {
			k, v, _ := strings.Cut(o, "=")
			opts[k] = v
		}
		t, err := stress.New(stress.Config{
			Pool:     dcap.ServerAddress(ctx.String("pool")),
			Door:     ctx.String("door"),
			Workers:  ctx.Int("workers"),
			Rounds:   ctx.Int("rounds"),
			MaxSize:  int(size),
			Segments: ctx.Int("segments"),
			Options:  opts,
		})
		if err != nil {
			return err
		}
		defer t.Close()

		c, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		return t.Run(c, os.Stdout)
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
