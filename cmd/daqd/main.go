// Command daqd is the resident acquisition daemon: it joins the meter
// once using the last Settings row pairing wrote, then runs the
// Scheduler forever, writing samples to PostgreSQL. All configuration
// comes from the environment; there are no command-line arguments.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"kuramo.ch/routeb-meterd/internal/config"
	"kuramo.ch/routeb-meterd/internal/propertyclient"
	"kuramo.ch/routeb-meterd/internal/scheduler"
	"kuramo.ch/routeb-meterd/internal/serialline"
	"kuramo.ch/routeb-meterd/internal/session"
	"kuramo.ch/routeb-meterd/internal/skstack"
	"kuramo.ch/routeb-meterd/internal/storage"
	"kuramo.ch/routeb-meterd/internal/wisunlog"
)

const (
	exitOK = iota
	exitFatalSession
	exitConfigError
	exitSerialUnreachable
)

// pidFilePath is where daqd records its own PID for the supervisor
// that restarts it on a fatal session exit.
const pidFilePath = "/var/run/routeb-meterd/daqd.pid"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "daqd: %v\n", err)
		return exitConfigError
	}
	log := wisunlog.New(cfg.LogFilter)

	if err := writePIDFile(); err != nil {
		log.Warn("could not write pid file", "path", pidFilePath, "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "error", err)
		return exitConfigError
	}
	defer store.Close()

	settings, err := store.LatestSettings(ctx)
	if err != nil {
		log.Error("no settings row found; run pairing first", "error", err)
		return exitConfigError
	}

	line, err := serialline.Open(serialline.Config{Device: cfg.SerialDevice})
	if err != nil {
		log.Error("could not open serial device", "device", cfg.SerialDevice, "error", err)
		return exitSerialUnreachable
	}
	defer line.Close()

	driver := skstack.New(line, log)
	sess := session.New(driver, log)

	if err := sess.Run(session.Credentials{RouteBID: settings.RouteBID, RouteBPassword: settings.RouteBPassword}); err != nil {
		log.Error("session did not reach authenticated", "error", err)
		return exitFatalSession
	}

	client := propertyclient.New(sess, log)
	scale := propertyclient.UnitAndCoefficient{Unit: settings.EnergyUnit, Coefficient: settings.Coefficient}
	sched := scheduler.New(client, store, scale, log)

	log.Info("entering scheduler loop")
	if err := sched.Run(ctx); err != nil {
		if scheduler.IsFatal(err) {
			log.Error("session lost, exiting for supervisor restart", "error", err)
			return exitFatalSession
		}
		log.Info("scheduler stopped", "reason", err)
		return exitOK
	}
	return exitOK
}

func writePIDFile() error {
	if err := os.MkdirAll("/var/run/routeb-meterd", 0o755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
