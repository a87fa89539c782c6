package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"periph.io/x/periph/host"

	"github.com/ovenwatch/ovenwatch/hardware/max31855"
	"github.com/ovenwatch/ovenwatch/hardware/sim800"
	"github.com/ovenwatch/ovenwatch/helpers"
	"github.com/ovenwatch/ovenwatch/internal/agent"
	"github.com/ovenwatch/ovenwatch/internal/link"
	"github.com/ovenwatch/ovenwatch/internal/state"
	"github.com/ovenwatch/ovenwatch/internal/wire"
	"github.com/ovenwatch/ovenwatch/log2"
)

func main() {
	flagConfig := flag.String("config", "ovenwatch.hcl", "")
	flagLogDebug := flag.Bool("log-debug", false, "")
	flag.Parse()

	log := log2.NewStderr(log2.LInfo)
	if *flagLogDebug {
		log.SetLevel(log2.LDebug)
	}
	if sdnotify(log, "start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		log.SetFlags(log2.LServiceFlags)
	}
	log.Infof("hello")

	cfg := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	log.Debugf("config=%+v", cfg)

	if _, err := host.Init(); err != nil {
		log.Fatal(errors.ErrorStack(errors.Annotate(err, "periph init")))
	}
	th1, err := max31855.NewDevice(cfg.Sensor.Spi1, log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer th1.Close()
	th2, err := max31855.NewDevice(cfg.Sensor.Spi2, log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer th2.Close()

	modemPort, err := os.OpenFile(cfg.Modem.Port, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		log.Fatal(errors.ErrorStack(errors.Annotatef(err, "modem port=%s", cfg.Modem.Port)))
	}
	defer modemPort.Close()
	modem := sim800.New(log, modemPort)
	modem.CmdTimeout = helpers.IntSecondDefault(cfg.Modem.CommandTimeoutSec, sim800.DefaultCommandTimeout)
	if err := modem.Init(); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	netTimeout := helpers.IntSecondDefault(cfg.Server.NetworkTimeoutSec, wire.DefaultPhaseTimeout)
	client := &wire.Client{
		Log:            log,
		ConnectTimeout: netTimeout,
		StatusTimeout:  netTimeout,
		HeaderTimeout:  netTimeout,
		BodyTimeout:    netTimeout,
		ReplyTimeout:   netTimeout,
	}

	a, err := agent.New(agent.Options{
		Log:     log,
		Config:  cfg,
		Link:    link.NewManager(log, modem),
		Net:     client,
		Sensor1: th1,
		Sensor2: th2,
		SMS:     modem,
	})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	st := a.NewState()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigch
		log.Infof("signal=%v stopping", sig)
		a.Alive.Stop()
	}()

	sdnotify(log, daemon.SdNotifyReady)
	log.Infof("init complete, running")
	a.Run(st)
	a.Alive.Wait()
	log.Infof("stopped")
}

func sdnotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
