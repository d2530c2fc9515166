// Package app assembles the harness: storage, backend clients, the room
// session, the onboarding controller and the control API, wired together for
// one process lifetime.
package app

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/elityaev/agent-harness/internal/api"
	"github.com/elityaev/agent-harness/internal/config"
	"github.com/elityaev/agent-harness/internal/onboarding"
	"github.com/elityaev/agent-harness/internal/room"
	"github.com/elityaev/agent-harness/internal/rpc"
	"github.com/elityaev/agent-harness/internal/storage"
	"github.com/elityaev/agent-harness/internal/viewer"
)

type Options struct {
	CfgPath string
	Cfg     config.Config
	Version string
}

// Run starts the harness and blocks until ctx is cancelled or the control
// API fails.
func Run(ctx context.Context, opt Options) error {
	// Tee the process log into the control UI's tail buffer.
	logBuf := viewer.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(log.Writer(), logBuf))

	cfg := opt.Cfg
	logBanner(opt.CfgPath, opt.Version, cfg)

	db, err := storage.Open(cfg.Harness.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	installID, err := db.InstallID()
	if err != nil {
		return err
	}
	log.Printf("APP: install id %s (telemetry %v)", installID.Value, installID.Enabled)

	tokens := api.NewTokenProvider(cfg.Backend.AuthEndpoint, cfg.Backend.AuthKey, cfg.Backend.RefreshToken)
	backend := api.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, tokens)

	client := room.NewClient()
	onb := onboarding.New(onboarding.Options{Premium: cfg.Harness.Premium})
	gw := rpc.New(client, onb)
	onb.Bind(gw)

	conn := room.NewController(room.ControllerOptions{
		WSURL:      cfg.Room.WSURL,
		RoomName:   cfg.Room.Name,
		Language:   cfg.Harness.Language,
		Platform:   cfg.Harness.Platform,
		AppVersion: cfg.Harness.AppVersion,
	}, client, backend)

	// Reflect transport-level drops in the connection state so the control
	// UI never shows a connected session that is actually gone.
	go func() {
		for ev := range client.Events() {
			switch ev.Type {
			case room.EventParticipantJoined:
				log.Printf("APP: agent %q joined", ev.Identity)
			case room.EventClosed:
				if conn.State().Status == room.StatusConnected {
					log.Printf("APP: transport closed, resetting connection state")
					conn.Disconnect(context.Background())
				}
			}
		}
	}()

	router := viewer.NewRouter(viewer.Deps{
		Conn:       conn,
		Onboarding: onb,
		Gateway:    gw,
		DB:         db,
		Logs:       logBuf,
		Debug:      cfg.Viewer.Debug,
	})

	srv := &http.Server{Addr: cfg.Viewer.HTTPAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("VIEWER: control API on http://%s", cfg.Viewer.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("APP: shutting down")
	case err := <-errCh:
		conn.Disconnect(context.Background())
		return err
	}

	conn.Disconnect(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func logBanner(cfgPath, version string, cfg config.Config) {
	log.Printf("APP: agent-harness %s", version)
	log.Printf("APP: config %s", cfgPath)
	log.Printf("APP: room %q at %s", cfg.Room.Name, cfg.Room.WSURL)
	log.Printf("APP: backend %s", cfg.Backend.BaseURL)
}
