package main

import (
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/gary0122g/EnergyGateway/api"
	"github.com/gary0122g/EnergyGateway/blackboard"
	"github.com/gary0122g/EnergyGateway/config"
	"github.com/gary0122g/EnergyGateway/db"
	"github.com/gary0122g/EnergyGateway/device"
	"github.com/gary0122g/EnergyGateway/scheduler"
	"github.com/gary0122g/EnergyGateway/server"
	"github.com/gary0122g/EnergyGateway/service"
	"github.com/gary0122g/EnergyGateway/task"
)

var log = logging.Logger("gateway")

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "path of the TOML configuration file",
	EnvVars: []string{"GATEWAY_CONFIG"},
}

func main() {
	_ = logging.SetLogLevel("*", "INFO")

	app := &cli.App{
		Name:  "energy-gateway",
		Usage: "harvest energy devices and forward their readings",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{
				Name:  "listen",
				Usage: "address of the local API, overrides the configuration",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "path of the sqlite archive, overrides the configuration",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "level of every logger, overrides the configuration",
			},
		},
		Action: run,
		Commands: []*cli.Command{
			configCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
		return
	}
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "print gateway configuration",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "print the default configuration",
			Action: func(cctx *cli.Context) error {
				return config.Encode(cctx.App.Writer, config.Default())
			},
		},
		{
			Name:  "show",
			Usage: "print the configuration after file and environment overrides",
			Action: func(cctx *cli.Context) error {
				cfg, err := loadConfig(cctx)
				if err != nil {
					return err
				}
				return config.Encode(cctx.App.Writer, cfg)
			},
		},
	},
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	if cctx.IsSet("listen") {
		cfg.Listen = cctx.String("listen")
	}
	if cctx.IsSet("db") {
		cfg.DBPath = cctx.String("db")
	}
	if cctx.IsSet("log-level") {
		cfg.LogLevel = cctx.String("log-level")
	}
	return cfg, nil
}

func run(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
		return xerrors.Errorf("setting log level: %w", err)
	}

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlDB, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return xerrors.Errorf("failed to initialize database: %w", err)
	}
	database := db.NewDatabase(sqlDB)
	log.Infow("database ready", "path", cfg.DBPath)

	clk := clock.New()
	sched := scheduler.NewScheduler(cfg.Workers, scheduler.WithClock(clk))
	board := blackboard.New(cfg.MessageLogSize, clk.Now)

	scanner := device.NewStaticScanner(cfg.ScannerHosts())
	log.Infow("device scanner ready", "known", scanner.Known())

	env := &task.Env{
		Board:     board,
		Scheduler: sched,
		Clock:     clk,
		Config:    cfg.TaskConfig(),
		Store:     database,
		Scanner:   scanner,
	}
	if cfg.Backend.URL != "" {
		signer, err := api.NewHMACSigner([]byte(cfg.Backend.Secret))
		if err != nil {
			return err
		}
		env.Backend = api.NewClient(cfg.Backend.URL, signer, cfg.Backend.GatewayID)
		log.Infow("uploading harvests", "backend", cfg.Backend.URL, "gateway", cfg.Backend.GatewayID)
	} else {
		log.Warn("no backend configured, harvests are archived only")
	}

	factory := task.NewHarvestFactory(env)
	devices := make([]device.Device, 0, len(cfg.Devices))
	for _, sc := range cfg.SimConfigs() {
		devices = append(devices, device.NewSimulated(sc))
	}
	factory.Bootstrap(devices)
	sched.AddTask(task.NewSettingsTask(env, clk.Now()))
	log.Infow("gateway starting", "devices", len(devices), "listen", cfg.Listen)

	apiServer := server.NewAPIServer(sched, board, database, service.NewSummaryService(database))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return apiServer.Start(gctx, cfg.Listen)
	})
	err = g.Wait()

	// the scheduler has stopped, so the registry is ours now
	var shutdownErr error
	for _, dev := range board.Devices() {
		if derr := dev.Disconnect(); derr != nil {
			shutdownErr = multierr.Append(shutdownErr, xerrors.Errorf("disconnecting %s: %w", dev.SN(), derr))
		}
	}
	shutdownErr = multierr.Append(shutdownErr, database.Close())
	log.Info("gateway stopped")

	return multierr.Combine(err, shutdownErr)
}
