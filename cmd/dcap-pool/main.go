package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"dcap"
	"dcap/client"
	"dcap/pool"
)

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "run a pool serving dcap movers",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "TOML configuration file"},
		cli.StringFlag{Name: "root", Usage: "storage root, overrides the configuration"},
		cli.StringFlag{Name: "listen", Usage: "RPC listen address, overrides the configuration"},
	},
	Action: func(ctx *cli.Context) error {
		cfg := pool.DefaultConfig
		if file := ctx.String("config"); file != "" {
			c, err := pool.LoadConfig(file)
			if err != nil {
				return err
			}
			cfg = *c
		}
		if v := ctx.String("root"); v != "" {
			cfg.Root = v
		}
		if v := ctx.String("listen"); v != "" {
			cfg.Listen = v
			cfg.Address = ""
		}

		p, err := pool.NewAndServe(cfg)
		if err != nil {
			return err
		}
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		log.Infof("received %v", s)
		return p.Shutdown()
	},
}

var moversCommand = cli.Command{
	Name:  "movers",
	Usage: "list the movers of a pool",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "pool, p", Value: "127.0.0.1:22125", Usage: "pool RPC address"},
	},
	Action: func(ctx *cli.Context) error {
		c := client.NewClient(dcap.ServerAddress(ctx.String("pool")))
		movers, err := c.ListMovers()
		if err != nil {
			return err
		}
		for _, m := range movers {
			state := m.Status
			if m.Done {
				state = fmt.Sprintf("done rc=%d %s", m.Err, m.ErrMsg)
			}
			fmt.Printf("%6d %-6v %-24s %10d  %v\n", m.Mover, m.Mode, m.Replica, m.BytesTransferred, state)
		}
		return nil
	},
}

var killCommand = cli.Command{
	Name:      "kill",
	Usage:     "interrupt a mover",
	ArgsUsage: "<mover-id>",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "pool, p", Value: "127.0.0.1:22125", Usage: "pool RPC address"},
	},
	Action: func(ctx *cli.Context) error {
		var id dcap.MoverID
		if _, err := fmt.Sscan(ctx.Args().First(), &id); err != nil {
			return fmt.Errorf("bad mover id %q", ctx.Args().First())
		}
		info, err := client.NewClient(dcap.ServerAddress(ctx.String("pool"))).KillMover(id)
		if err != nil {
			return err
		}
		fmt.Printf("mover %d: rc=%d %s\n", info.Mover, info.Err, info.ErrMsg)
		return nil
	},
}

var replicasCommand = cli.Command{
	Name:  "replicas",
	Usage: "list the replicas of a pool",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "pool, p", Value: "127.0.0.1:22125", Usage: "pool RPC address"},
	},
	Action: func(ctx *cli.Context) error {
		r, err := client.NewClient(dcap.ServerAddress(ctx.String("pool"))).ReportReplicas()
		if err != nil {
			return err
		}
		for _, i := range r.Replicas {
			fmt.Printf("%-24s %12d %-20s %-20s %v\n", i.ID, i.Size, i.ClientChecksum, i.ComputedChecksum, i.Modified.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("used %d of %d bytes, degraded=%v\n", r.Used, r.Total, r.Degraded)
		return nil
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "dcap-pool"
	app.Usage = "dcap data mover pool"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "logrus level"},
	}
	app.Before = func(ctx *cli.Context) error {
		level, err := log.ParseLevel(ctx.GlobalString("log-level"))
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return nil
	}
	app.Commands = []cli.Command{serveCommand, moversCommand, killCommand, replicasCommand}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
