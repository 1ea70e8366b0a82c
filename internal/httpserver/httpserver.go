package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"calsyncd/internal/api"
	"calsyncd/internal/caldav"
	"calsyncd/internal/config"
	"calsyncd/internal/identity"
	"calsyncd/internal/push"
	"calsyncd/internal/scheduler"
	"calsyncd/internal/storage"
	"calsyncd/internal/storage/memory"
	"calsyncd/internal/storage/postgres"
	"calsyncd/internal/storage/sqlite"
	"calsyncd/internal/sync"
	"calsyncd/pkg/ics"
)

type Server struct {
	http      *http.Server
	scheduler *scheduler.Scheduler
	logger    zerolog.Logger
}

func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, func(), error) {
	// init storage
	var store storage.Store
	var err error

	switch cfg.Storage.Type {
	case "postgres":
		store, err = postgres.New(cfg.Storage.PostgresURL, logger)
	case "sqlite":
		store, err = sqlite.New(cfg.Storage.SQLitePath, logger)
	case "memory":
		store = memory.New()
	default:
		err = errors.New("unknown storage type: " + cfg.Storage.Type)
	}
	if err != nil {
		return nil, nil, err
	}

	hub := push.NewHub(cfg.Push.QueueSize, logger)
	ids := identity.NewService(store, cfg.ICS.UIDHost, logger)
	codec := ics.NewCodec(cfg.ICS.BuildProdID())

	factory := func(account *storage.Account) (sync.Remote, error) {
		return caldav.New(account.RemoteURL, account.Username, account.Password, logger)
	}
	sup := sync.NewSupervisor(store, hub, codec, ids, factory, cfg.Sync, logger)

	sched, err := scheduler.New(cfg.Sync.Schedule, cfg.Sync.Interval, sup.TriggerAll, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	wsOpts := push.ServerOptions{
		HeartbeatInterval: cfg.Push.HeartbeatInterval,
		WriteTimeout:      cfg.Push.WriteTimeout,
	}
	handler := api.NewHandler(store, sup, hub, ids, cfg.HTTP.APIToken, wsOpts, logger)

	mux := http.NewServeMux()
	routes := handler.Routes()
	if base := strings.TrimSuffix(cfg.HTTP.BasePath, "/"); base != "" {
		mux.Handle(base+"/", http.StripPrefix(base, routes))
	} else {
		mux.Handle("/", routes)
	}

	srv := &Server{
		http: &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		scheduler: sched,
		logger:    logger,
	}
	cleanup := func() {
		<-sched.Stop().Done()
		hub.Close()
		store.Close()
	}
	logger.Info().Msgf("listening on %s (storage=%s)", cfg.HTTP.Addr, cfg.Storage.Type)
	return srv, cleanup, nil
}

func (s *Server) Start() error {
	s.scheduler.Start()
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
