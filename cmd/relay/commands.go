package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jaywantadh/chunkrelay/config"
	"github.com/jaywantadh/chunkrelay/internal/auth"
	"github.com/jaywantadh/chunkrelay/internal/janitor"
	"github.com/jaywantadh/chunkrelay/internal/retry"
	"github.com/jaywantadh/chunkrelay/internal/session"
	"github.com/jaywantadh/chunkrelay/internal/storage"
	"github.com/jaywantadh/chunkrelay/internal/transfer"
	"github.com/jaywantadh/chunkrelay/pkg/httpserver"
	"github.com/jaywantadh/chunkrelay/pkg/logging"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "directory containing config.yaml",
	Value:   ".",
	EnvVars: []string{"RELAY_CONFIG_DIR"},
}

// Flags shared by send and receive.
func driverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "url",
			Usage:   "relay base URL",
			Value:   "http://localhost:8080",
			EnvVars: []string{"RELAY_URL"},
		},
		&cli.StringFlag{
			Name:    "password",
			Usage:   "operator password",
			EnvVars: []string{"RELAY_PASSWORD"},
		},
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "wait between polls while the relay is busy",
			Value: time.Second,
		},
		&cli.IntFlag{
			Name:  "max-attempts",
			Usage: "give up after this many busy answers per chunk (0 = never)",
		},
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func policyFrom(c *cli.Context) retry.Policy {
	return retry.Policy{
		Interval:    c.Duration("interval"),
		MaxAttempts: c.Int("max-attempts"),
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the relay server",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{
				Name:  "listen",
				Usage: "override listen_addr",
			},
			&cli.BoolFlag{
				Name:  "insecure-no-auth",
				Usage: "serve without an operator password",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("listen"); addr != "" {
		cfg.ListenAddr = addr
	}
	log := logging.Log
	if cfg.LogDebug {
		log = logging.InitLogger(true)
	}

	registry, err := session.NewRegistry(cfg.StoragePath)
	if err != nil {
		return err
	}
	store := storage.NewLocalStorage(*cfg, log)

	guard, closeAuth, err := authGuard(cfg, c.Bool("insecure-no-auth"), log)
	if err != nil {
		return err
	}
	defer closeAuth()

	handler := transfer.NewServer(*cfg, registry, store, log).Handler(guard)
	reaper := janitor.New(registry, store, cfg.SessionTTL, cfg.ReapInterval, log)

	log.WithFields(logrus.Fields{
		"storage":    cfg.StoragePath,
		"chunk_size": humanize.IBytes(uint64(cfg.ChunkSize)),
		"quota":      humanize.IBytes(uint64(cfg.SessionQuota)),
		"min_free":   humanize.IBytes(uint64(cfg.MinFreeSpace)),
		"compress":   cfg.CompressChunks,
	}).Info("🚀 relay starting")

	ctx, stop := signalContext(c.Context)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(ctx, cfg.ListenAddr, handler, log)
	})
	g.Go(func() error {
		return reaper.Run(ctx)
	})
	return g.Wait()
}

func authGuard(cfg *config.AppConfig, insecure bool, log logrus.FieldLogger) (func(http.Handler) http.Handler, func(), error) {
	if insecure {
		log.Warn("⚠️ authentication disabled, anyone can use this relay")
		return nil, func() {}, nil
	}
	creds, err := auth.OpenCredentialStore(cfg.AuthDBPath)
	if err != nil {
		return nil, nil, err
	}
	ok, err := creds.HasPassword()
	if err == nil && !ok {
		err = errors.New("no operator password set: run `relay passwd` first or pass --insecure-no-auth")
	}
	if err != nil {
		creds.Close()
		return nil, nil, err
	}
	guard := func(next http.Handler) http.Handler {
		return auth.RequireAuth(creds, log, next)
	}
	return guard, func() { creds.Close() }, nil
}

func passwdCommand() *cli.Command {
	return &cli.Command{
		Name:  "passwd",
		Usage: "Set the operator password",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{
				Name:    "password",
				Usage:   "new password (read from stdin when omitted)",
				EnvVars: []string{"RELAY_NEW_PASSWORD"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			password := c.String("password")
			if password == "" {
				fmt.Fprint(c.App.ErrWriter, "New operator password: ")
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			creds, err := auth.OpenCredentialStore(cfg.AuthDBPath)
			if err != nil {
				return err
			}
			defer creds.Close()
			if err := creds.SetPassword(password); err != nil {
				return err
			}
			logging.Log.WithField("path", cfg.AuthDBPath).Info("🔐 operator password updated")
			return nil
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Upload a file through the relay",
		ArgsUsage: "<file>",
		Flags: append(driverFlags(),
			&cli.StringFlag{
				Name:  "chunk-size",
				Usage: "chunk size; must match the relay's chunk_size",
				Value: "2MiB",
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "upload into an existing session instead of creating one",
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("send expects exactly one file", 2)
			}
			chunkSize, err := humanize.ParseBytes(c.String("chunk-size"))
			if err != nil || chunkSize == 0 {
				return fmt.Errorf("invalid chunk size %q", c.String("chunk-size"))
			}

			ctx, stop := signalContext(c.Context)
			defer stop()

			client := transfer.NewClient(c.String("url"), c.String("password"))
			sender := transfer.NewSender(client, int64(chunkSize), policyFrom(c), logging.Log)
			sender.OnSession = func(sessionID string) {
				fmt.Fprintln(c.App.Writer, sessionID)
			}
			if sid := c.String("session"); sid != "" {
				return sender.SendTo(ctx, sid, c.Args().First())
			}
			_, err = sender.Send(ctx, c.Args().First())
			return err
		},
	}
}

func receiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "receive",
		Usage: "Download and drain a session",
		Flags: append(driverFlags(),
			&cli.StringFlag{
				Name:     "session",
				Usage:    "session id printed by the sender",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "output directory",
				Value: ".",
			},
			&cli.DurationFlag{
				Name:  "idle-timeout",
				Usage: "give up when no chunk arrives for this long (0 = wait forever)",
				Value: 10 * time.Minute,
			},
		),
		Action: func(c *cli.Context) error {
			ctx, stop := signalContext(c.Context)
			defer stop()

			client := transfer.NewClient(c.String("url"), c.String("password"))
			receiver := transfer.NewReceiver(client, policyFrom(c), c.Duration("idle-timeout"), logging.Log)
			path, err := receiver.Receive(ctx, c.String("session"), c.String("out"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, path)
			return nil
		},
	}
}
