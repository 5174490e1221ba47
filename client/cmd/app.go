package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/studyroom-sync/client/api"
	"github.com/adwski/studyroom-sync/client/config"
	"github.com/adwski/studyroom-sync/client/model"
	httpServer "github.com/adwski/studyroom-sync/client/server/http"
	"github.com/adwski/studyroom-sync/client/service"
	"github.com/adwski/studyroom-sync/client/storage/memory"
	"github.com/adwski/studyroom-sync/client/storage/sqlite"
	"github.com/adwski/studyroom-sync/client/transport"
	"github.com/adwski/studyroom-sync/client/transport/websocket"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const defaultStopTimeout = 5 * time.Second

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	var (
		socketURL   = fs.StringP("socket-url", "s", cfg.SocketURL, "message bus websocket url")
		apiURL      = fs.StringP("api-url", "a", cfg.APIURL, "REST api base url")
		roomID      = fs.Int64P("room", "r", cfg.RoomID, "study room id")
		userID      = fs.Int64P("user", "u", cfg.UserID, "user id")
		token       = fs.StringP("token", "t", cfg.APIToken, "api bearer token")
		draftsPath  = fs.StringP("drafts", "d", cfg.DraftsPath, "local drafts database path, empty to disable")
		inspectAddr = fs.StringP("inspect-addr", "i", cfg.InspectAddr, "inspect server listen address")
		logLevel    = fs.StringP("log-level", "l", cfg.LogLevel, "log level")
	)
	if err = fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	var drafts *sqlite.DraftStore
	if *draftsPath != "" {
		if drafts, err = sqlite.NewDraftStore(*draftsPath); err != nil {
			logger.Fatal().Err(err).Msg("failed to open drafts")
		}
		defer func() {
			_ = drafts.Close()
		}()
	}

	svcCfg := service.Config{
		Logger: &logger,
		Dialer: websocket.NewDialer(websocket.Config{Logger: &logger, Token: *token}),
		API: api.NewClient(api.Config{
			Logger:  &logger,
			BaseURL: *apiURL,
			Token:   *token,
		}),
		Store: memory.NewStore(),
		OnRemoteWhiteboard: func(msg model.WhiteboardMessage) {
			logger.Debug().Str("action", string(msg.Action)).Int64("senderID", msg.SenderID).Msg("whiteboard event")
		},
	}
	if drafts != nil {
		svcCfg.Drafts = drafts
	}
	svc := service.NewService(svcCfg)

	inspectSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Session:    svc,
		ListenAddr: *inspectAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go inspectSrv.Run(ctx, wg, errc)
	go watchStore(ctx, wg, svc.Store(), &logger)

	err = svc.Start(ctx, transport.Identity{
		SocketURL: *socketURL,
		RoomID:    *roomID,
		UserID:    *userID,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to start session")
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer stopCancel()
	if err = svc.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("failed to stop session")
	}
	cancel()
	wg.Wait()
}

// watchStore logs notices as they are raised and dumps state at trace level.
func watchStore(ctx context.Context, wg *sync.WaitGroup, store *memory.Store, logger *zerolog.Logger) {
	defer wg.Done()

	changes, stop := store.Watch()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			for _, n := range store.TakeNotices() {
				ev := logger.Info()
				if n.Level == model.NoticeError {
					ev = logger.Warn()
				}
				ev.Str("notice", n.ID).Msg(n.Text)
			}
			if logger.GetLevel() <= zerolog.TraceLevel {
				logger.Trace().Str("change", string(c.Kind)).Msg(spew.Sdump(store.Snapshot()))
			}
		}
	}
}
