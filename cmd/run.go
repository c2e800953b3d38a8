package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cobaltgraph/cobaltgraph/config"
	zlog "github.com/cobaltgraph/cobaltgraph/logger"
	"github.com/cobaltgraph/cobaltgraph/pipeline"
	"github.com/cobaltgraph/cobaltgraph/viewer"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var DeviceCommand = &cli.Command{
	Name:      "device",
	Usage:     "monitor this device's connections by polling socket state (no privileges required)",
	UsageText: "cobaltgraph device [--tick MS] [--yes] [--headless]",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "tick",
			Usage: "socket polling interval in milliseconds",
		},
		yesFlag(),
		headlessFlag(),
		ConfigFlag(false),
	},
	Action: func(cCtx *cli.Context) error {
		cfg, err := loadConfig(afero.NewOsFs(), cCtx.String("config"))
		if err != nil {
			return err
		}
		cfg.Mode = config.ModeDevice
		if tick := cCtx.Int("tick"); tick > 0 {
			cfg.Capture.TickMS = tick
		}
		return runCapture(cCtx, cfg)
	},
}

var NetworkCommand = &cli.Command{
	Name:      "network",
	Usage:     "monitor a network interface promiscuously (requires CAP_NET_RAW)",
	UsageText: "cobaltgraph network --interface IFACE [--yes] [--headless]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "interface",
			Aliases:  []string{"i"},
			Usage:    "interface to capture from",
			Required: true,
		},
		yesFlag(),
		headlessFlag(),
		ConfigFlag(false),
	},
	Action: func(cCtx *cli.Context) error {
		cfg, err := loadConfig(afero.NewOsFs(), cCtx.String("config"))
		if err != nil {
			return err
		}
		cfg.Mode = config.ModeNetwork
		cfg.Capture.Interface = cCtx.String("interface")
		return runCapture(cCtx, cfg)
	},
}

func yesFlag() *cli.BoolFlag {
	return &cli.BoolFlag{
		Name:    "yes",
		Aliases: []string{"y"},
		Usage:   "acknowledge the authorized-use disclaimer non-interactively",
	}
}

func headlessFlag() *cli.BoolFlag {
	return &cli.BoolFlag{
		Name:  "headless",
		Usage: "run without the terminal dashboard",
	}
}

// runCapture assembles the pipeline, runs it until interrupted, and renders
// the dashboard unless headless
func runCapture(cCtx *cli.Context, cfg *config.Config) error {
	zlogger := zlog.GetLogger()

	if err := AcknowledgeDisclaimer(os.Stdin, os.Stdout, cCtx.Bool("yes")); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cCtx.Bool("headless") {
		code := pipeline.Run(ctx, cfg)
		if code != pipeline.ExitOK {
			return cli.Exit("", code)
		}
		CheckForUpdate()
		return nil
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		zlogger.Error().Err(err).Msg("pipeline startup failed")
		return cli.Exit(err.Error(), pipeline.ExitCodeFor(err))
	}
	if err := p.Start(ctx); err != nil {
		zlogger.Error().Err(err).Msg("pipeline startup failed")
		return cli.Exit(err.Error(), pipeline.ExitCodeFor(err))
	}

	// the dashboard owns the foreground; quitting it stops the capture
	go func() {
		<-ctx.Done()
		p.Stop()
	}()

	if err := viewer.CreateUI(p.Feed()); err != nil {
		zlogger.Error().Err(err).Msg("dashboard failed")
	}

	p.Stop()
	p.Wait()

	CheckForUpdate()
	return nil
}
