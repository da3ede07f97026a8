package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/huddle-dev/huddle/internal/adapters/debug"
	"github.com/huddle-dev/huddle/internal/adapters/media"
	"github.com/huddle-dev/huddle/internal/adapters/project"
	signaladapter "github.com/huddle-dev/huddle/internal/adapters/signal"
	"github.com/huddle-dev/huddle/internal/adapters/sound"
	"github.com/huddle-dev/huddle/internal/config"
	"github.com/huddle-dev/huddle/internal/core"
	"github.com/huddle-dev/huddle/internal/domain"
	"github.com/huddle-dev/huddle/internal/session"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	client := signaladapter.New(signaladapter.Options{
		URL:        cfg.ServerURL,
		Username:   cfg.Username,
		SendBuffer: cfg.SendBuf,
		PingPeriod: cfg.PingPeriod,
	})
	defer client.Close()

	if err := waitForConnection(ctx, client); err != nil {
		log.Fatal().Err(err).Msg("could not reach signaling server")
	}

	deps := session.Deps{
		Client:    client,
		Directory: client,
		Registry:  project.NewRegistry(),
		Media:     media.NewEngine(),
		Sounds:    sound.NewPlayer(),
	}
	opts := session.Options{
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectTimeout:  cfg.ReconnectTimeout,
		MuteOnJoin:        cfg.MuteOnJoin,
	}

	s, err := session.JoinChannel(ctx, deps, opts, domain.ChannelID(cfg.Channel))
	if err != nil {
		log.Fatal().Err(err).Uint64("channel", cfg.Channel).Msg("could not join channel")
	}

	holder := &debug.SessionHolder{}
	holder.Set(s)

	r := debug.SetupRouter(holder)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.DebugPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("debug endpoint started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("debug endpoint error")
		}
	}()

	go drainEvents(s)
	go func() {
		for err := range s.ReconnectFailures() {
			log.Error().Err(err).Msg("connection lost for good")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	if err := s.Leave(); err != nil && err != session.ErrRoomOffline {
		log.Error().Err(err).Msg("leave error")
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("debug endpoint forced to shutdown")
	}
	log.Info().Msg("Exited gracefully")
}

// waitForConnection blocks until the signaling client reports its
// first successful connection.
func waitForConnection(ctx context.Context, client *signaladapter.Client) error {
	watcher := client.Status()
	if watcher.Current() == core.StatusConnected {
		return nil
	}
	changes := watcher.Changes()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case status := <-changes:
			if status == core.StatusConnected {
				return nil
			}
			if status == core.StatusSignedOut {
				return fmt.Errorf("signed out before connecting")
			}
		}
	}
}

func drainEvents(s *session.Session) {
	for ev := range s.Events() {
		switch e := ev.(type) {
		case session.ParticipantLocationChanged:
			log.Info().Uint64("peer_id", uint64(e.ParticipantID)).Msg("participant moved")
		case session.RemoteProjectShared:
			log.Info().
				Uint64("owner", uint64(e.Owner.ID)).
				Uint64("project_id", uint64(e.ProjectID)).
				Strs("worktrees", e.WorktreeRootNames).
				Msg("project shared")
		case session.RemoteProjectUnshared:
			log.Info().Uint64("project_id", uint64(e.ProjectID)).Msg("project unshared")
		case session.RemoteVideoTracksChanged:
			log.Info().Uint64("peer_id", uint64(e.ParticipantID)).Msg("video tracks changed")
		case session.RemoteAudioTracksChanged:
			log.Info().Uint64("peer_id", uint64(e.ParticipantID)).Msg("audio tracks changed")
		case session.Left:
			log.Info().Msg("left room")
			return
		}
	}
}
