// Command pairing discovers a Route-B meter, joins it, reads its unit
// and coefficient, and writes the resulting Settings row so daqd and
// dryrun can read it back.
//
// Usage: pairing <route_b_id> <route_b_password>
package main

import (
	"context"
	"fmt"
	"os"

	"kuramo.ch/routeb-meterd/internal/config"
	"kuramo.ch/routeb-meterd/internal/meter"
	"kuramo.ch/routeb-meterd/internal/propertyclient"
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

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: pairing <route_b_id> <route_b_password>")
		return exitConfigError
	}
	routeBID, routeBPassword := os.Args[1], os.Args[2]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pairing: %v\n", err)
		return exitConfigError
	}
	log := wisunlog.New(cfg.LogFilter)

	line, err := serialline.Open(serialline.Config{Device: cfg.SerialDevice})
	if err != nil {
		log.Error("could not open serial device", "device", cfg.SerialDevice, "error", err)
		return exitSerialUnreachable
	}
	defer line.Close()

	driver := skstack.New(line, log)
	sess := session.New(driver, log)

	if err := sess.Run(session.Credentials{RouteBID: routeBID, RouteBPassword: routeBPassword}); err != nil {
		log.Error("session did not reach authenticated", "error", err)
		return exitFatalSession
	}

	client := propertyclient.New(sess, log)
	ctx := context.Background()
	scale, err := client.ReadUnitAndCoefficient(ctx)
	if err != nil {
		log.Error("failed to read unit/coefficient", "error", err)
		return exitFatalSession
	}

	peer := sess.PeerInfo()
	settings := meter.Settings{
		PanID:          peer.PanID,
		Channel:        peer.Channel,
		MeterIPv6:      peer.MeterAddr.String(),
		MacAddress:     peer.MacAddress,
		RouteBID:       routeBID,
		RouteBPassword: routeBPassword,
		EnergyUnit:     scale.Unit,
		Coefficient:    scale.Coefficient,
	}

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "error", err)
		return exitConfigError
	}
	defer store.Close()

	id, err := store.InsertSettings(ctx, settings)
	if err != nil {
		log.Error("failed to persist settings", "error", err)
		return exitFatalSession
	}

	fmt.Printf("settings id: %d\n", id)
	return exitOK
}
