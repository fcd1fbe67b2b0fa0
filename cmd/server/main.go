package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/busybox42/ringdht/pkg/config"
	"github.com/busybox42/ringdht/pkg/server"
)

var log = logrus.New()

func initLogger(level string) error {
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	for _, l := range []*logrus.Logger{log, logrus.StandardLogger()} {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		l.SetOutput(os.Stdout)
		l.SetLevel(lv)
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "ringdht"
	app.Usage = "run a node of the ring DHT"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "config file path (yaml, toml or json)",
		},
		cli.StringFlag{
			Name:  "log, l",
			Usage: "log level: trace,debug,info,warning,error; overrides the config file",
		},
		cli.StringFlag{
			Name:  "bootstrap, b",
			Usage: "P2P address of a node in an existing ring",
		},
		cli.BoolFlag{
			Name:  "tor",
			Usage: "route outbound peer connections through an embedded Tor",
		},
	}

	app.Action = func(c *cli.Context) error {
		conf, err := config.Load(c.String("config"))
		if err != nil {
			return err
		}
		if c.IsSet("bootstrap") {
			conf.DHT.Bootstrap = c.String("bootstrap")
		}
		if c.Bool("tor") {
			conf.Tor.Enable = true
		}

		level := conf.Log.Level
		if c.IsSet("log") {
			level = c.String("log")
		}
		if err := initLogger(level); err != nil {
			return err
		}

		srv, err := server.New(conf)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = srv.Start(ctx)
		cancel()
		if err != nil {
			srv.Shutdown()
			return err
		}

		return waitForSignal(srv)
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("ringdht: %v", err)
	}
}

func waitForSignal(srv *server.Server) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)

	for sig := range sigs {
		switch sig {
		case syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT:
			log.WithField("signal", sig).Info("shutting down")

			done := make(chan error, 1)
			go func() { done <- srv.Shutdown() }()

			select {
			case err := <-done:
				return err
			case <-time.After(5 * time.Second):
				log.Warn("timeout, forcing shutdown")
				return nil
			}
		case syscall.SIGHUP:
			log.Info("caught SIGHUP")
		}
	}
	return nil
}
