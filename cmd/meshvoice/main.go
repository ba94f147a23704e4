package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/dkeye/VoiceMesh/internal/adapters/audio"
	"github.com/dkeye/VoiceMesh/internal/adapters/auth"
	router "github.com/dkeye/VoiceMesh/internal/adapters/http"
	"github.com/dkeye/VoiceMesh/internal/adapters/presence"
	"github.com/dkeye/VoiceMesh/internal/adapters/roomstore"
	"github.com/dkeye/VoiceMesh/internal/adapters/rtc"
	"github.com/dkeye/VoiceMesh/internal/app/activity"
	"github.com/dkeye/VoiceMesh/internal/app/session"
	"github.com/dkeye/VoiceMesh/internal/config"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "meshvoice",
		Usage:   "join a full-mesh voice room over a presence relay",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-env",
				Usage:   "loads config/config.<env>.yaml",
				EnvVars: []string{"CONFIG_ENV"},
				Value:   "dev",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "control API address (overrides config)",
			},
			&cli.StringFlag{
				Name:  "room",
				Usage: "room label to join on start",
			},
			&cli.StringFlag{
				Name:  "pin",
				Usage: "room PIN",
			},
			&cli.StringFlag{
				Name:  "member-id",
				Usage: "member id (defaults to a random uuid)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("meshvoice")
	}
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Mode == "debug" {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// newPlayback picks where remote audio goes.
func newPlayback(cfg config.Audio) (rtc.Playback, func() error, error) {
	if cfg.Playback != config.PlaybackOgg {
		return rtc.DiscardPlayback{}, func() error { return nil }, nil
	}
	rec, err := rtc.NewOggRecorder(cfg.RecordDir)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("dir", cfg.RecordDir).Msg("recording remote audio")
	return rec, rec.Close, nil
}

func run(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadFile(fmt.Sprintf("config/config.%s.yaml", c.String("config-env")))
	if err != nil {
		return err
	}
	if v := c.String("listen"); v != "" {
		cfg.Listen = v
	}
	if v := c.String("member-id"); v != "" {
		cfg.MemberID = v
	}
	setupLogger(cfg)

	self := domain.NewMemberID()
	if cfg.MemberID != "" {
		if self, err = domain.ParseMemberID(cfg.MemberID); err != nil {
			return err
		}
	}

	rooms, closeRooms, err := roomstore.New(cfg.Rooms)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeRooms(); err != nil {
			log.Error().Err(err).Msg("close room store")
		}
	}()

	mic, err := audio.NewSource(cfg.Audio, cfg.Activity.Window)
	if err != nil {
		return err
	}

	api, err := rtc.NewAPI()
	if err != nil {
		return err
	}
	playback, closePlayback, err := newPlayback(cfg.Audio)
	if err != nil {
		return err
	}
	defer func() {
		if err := closePlayback(); err != nil {
			log.Error().Err(err).Msg("close playback")
		}
	}()
	connections := &rtc.Factory{
		API:      api,
		Config:   rtc.Configuration(cfg.ICE.Servers),
		Playback: playback,
	}

	relay := presence.NewClient(presence.Options{
		URL:           cfg.Pusher.PresenceURL(version),
		PingPeriod:    cfg.Pusher.PingPeriod,
		WriteTimeout:  cfg.Pusher.WriteTimeout,
		EventLimit:    cfg.Pusher.ClientEventLimit,
		EventInterval: cfg.Pusher.ClientEventInterval,
	})

	sess := session.New(cfg.Session, self, session.Deps{
		Presence:    relay,
		Auth:        auth.NewHTTPAuthorizer(cfg.Auth.Endpoint, cfg.Auth.Timeout),
		Rooms:       rooms,
		Media:       mic,
		Connections: connections.New,
		Monitor:     activity.NewMonitor(cfg.Activity.Interval),
	})
	defer sess.Close()

	log.Info().Str("member", string(self)).Msg("session ready")

	if label := c.String("room"); label != "" {
		if err := sess.Join(label, c.String("pin")); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router.SetupRouter(cfg, sess, rooms),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("control API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		log.Error().Err(err).Msg("server error")
		return err
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
