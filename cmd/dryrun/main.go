// Command dryrun exercises the Route-B session and property reads
// without writing to the database: a pairing subcommand for ad hoc
// joins, and a dry-run subcommand for a one-shot instant reading, which
// reads the last settings row when no credentials are given.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"kuramo.ch/routeb-meterd/internal/config"
	"kuramo.ch/routeb-meterd/internal/propertyclient"
	"kuramo.ch/routeb-meterd/internal/serialline"
	"kuramo.ch/routeb-meterd/internal/session"
	"kuramo.ch/routeb-meterd/internal/skstack"
	"kuramo.ch/routeb-meterd/internal/storage"
	"kuramo.ch/routeb-meterd/internal/wisunlog"
)

func main() {
	var device string
	var routeBID, routeBPassword string

	app := &cli.App{
		Name:  "dryrun",
		Usage: "exercise a Route-B session without persisting anything",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "device",
				Aliases:     []string{"D"},
				Usage:       "serial device path",
				Value:       "/dev/ttyUSB0",
				Destination: &device,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "pairing",
				Usage: "join the meter and print the negotiated settings",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "id",
						Usage:       "Route-B id",
						Required:    true,
						Destination: &routeBID,
					},
					&cli.StringFlag{
						Name:        "password",
						Usage:       "Route-B password",
						Required:    true,
						Destination: &routeBPassword,
					},
				},
				Action: func(c *cli.Context) error {
					return runPairing(device, routeBID, routeBPassword)
				},
			},
			{
				Name:  "dry-run",
				Usage: "one-shot instant power/current read",
				Action: func(c *cli.Context) error {
					return runDryRun(device, routeBID, routeBPassword)
				},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "id",
						Usage:       "Route-B id (defaults to the last paired settings row)",
						Destination: &routeBID,
					},
					&cli.StringFlag{
						Name:        "password",
						Usage:       "Route-B password (defaults to the last paired settings row)",
						Destination: &routeBPassword,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "dryrun: %v\n", err)
		os.Exit(1)
	}
}

func openSession(device string) (*serialline.Line, *session.Session, error) {
	log := wisunlog.New("info")
	line, err := serialline.Open(serialline.Config{Device: device})
	if err != nil {
		return nil, nil, fmt.Errorf("open serial device %s: %w", device, err)
	}
	driver := skstack.New(line, log)
	return line, session.New(driver, log), nil
}

func runPairing(device, routeBID, routeBPassword string) error {
	line, sess, err := openSession(device)
	if err != nil {
		return err
	}
	defer line.Close()

	if err := sess.Run(session.Credentials{RouteBID: routeBID, RouteBPassword: routeBPassword}); err != nil {
		return fmt.Errorf("session did not reach authenticated: %w", err)
	}

	peer := sess.PeerInfo()
	fmt.Printf("channel=0x%02X pan_id=0x%04X mac=%012X meter_ipv6=%s\n",
		peer.Channel, peer.PanID, peer.MacAddress, peer.MeterAddr.String())
	return nil
}

// resolveCredentials uses the inline --id/--password flags when both are
// given, otherwise falls back to the Route-B identity pairing last wrote
// to the settings table, matching dry-run's documented CLI contract of
// running a session from the last paired settings when no credentials
// are supplied on the command line.
func resolveCredentials(ctx context.Context, routeBID, routeBPassword string) (session.Credentials, error) {
	if routeBID != "" && routeBPassword != "" {
		return session.Credentials{RouteBID: routeBID, RouteBPassword: routeBPassword}, nil
	}

	cfg, err := config.Load()
	if err != nil {
		return session.Credentials{}, fmt.Errorf("no --id/--password given and could not load database config to fall back to the last settings row: %w", err)
	}
	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return session.Credentials{}, fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	settings, err := store.LatestSettings(ctx)
	if err != nil {
		return session.Credentials{}, fmt.Errorf("no --id/--password given and no settings row found; run pairing first: %w", err)
	}
	return session.Credentials{RouteBID: settings.RouteBID, RouteBPassword: settings.RouteBPassword}, nil
}

func runDryRun(device, routeBID, routeBPassword string) error {
	ctx := context.Background()

	creds, err := resolveCredentials(ctx, routeBID, routeBPassword)
	if err != nil {
		return err
	}

	line, sess, err := openSession(device)
	if err != nil {
		return err
	}
	defer line.Close()

	if err := sess.Run(creds); err != nil {
		return fmt.Errorf("session did not reach authenticated: %w", err)
	}

	log := wisunlog.New("info")
	client := propertyclient.New(sess, log)

	watt, r, t, err := client.ReadInstantPowerAndCurrent(ctx)
	if err != nil {
		return fmt.Errorf("read instant power/current: %w", err)
	}

	if t != nil {
		fmt.Printf("power=%dW current_r=%.1fA current_t=%.1fA\n", watt, r, *t)
	} else {
		fmt.Printf("power=%dW current_r=%.1fA\n", watt, r)
	}
	return nil
}
