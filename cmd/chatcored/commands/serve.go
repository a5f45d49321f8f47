package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/chatcore-dev/chatcore/internal/backend"
	"github.com/chatcore-dev/chatcore/internal/bridge"
	"github.com/chatcore-dev/chatcore/internal/config"
	"github.com/chatcore-dev/chatcore/internal/event"
	"github.com/chatcore-dev/chatcore/internal/logging"
	"github.com/chatcore-dev/chatcore/internal/server"
	"github.com/chatcore-dev/chatcore/internal/session"
	"github.com/chatcore-dev/chatcore/internal/storage"
)

var (
	serveAddr string
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chatcore server",
	Long: `Start the coordination server: session registry, backend event
bridge, snapshot persistence, and the HTTP/SSE API.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (host:port)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	// .env is optional; real environment always wins.
	godotenv.Load()

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Output: os.Stderr,
		Pretty: logPretty || cfg.Log.Pretty,
	})
	log := logging.Component("serve")
	log.Info().Str("version", Version).Str("workDir", workDir).Msg("starting chatcored")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	snaps := storage.NewSnapshots(storage.New(cfg.Storage.DataDir))
	bus := event.NewBus()
	defer bus.Close()

	var client *backend.Client
	if cfg.Backend.URL != "" {
		client = backend.NewClient(cfg.Backend.URL)
		unsub := client.WatchFlowCancels(bus)
		defer unsub()
	} else {
		log.Warn().Msg("no backend URL configured, outbound transport disabled")
	}

	autosave := session.NewAutoSave(cfg.AutosaveThrottle())
	manager := session.NewManager(session.ManagerOptions{
		MaxSessions: cfg.Sessions.MaxSessions,
		Bus:         bus,
		AutoSave:    autosave,
		Configure: func(st *session.Store) {
			st.SetSaveCallback(snaps.SaveCallback())
			st.SetLoadCallback(snaps.LoadCallback())
			if client != nil {
				st.SetSendCallback(client.SendCallback())
				st.SetRetryCallback(client.RetryCallback())
				st.SetAbortCallback(client.AbortCallback())
			}
		},
	})

	chunks := bridge.NewChunkBuffer(cfg.FlushInterval())
	br := bridge.New(bridge.DefaultRegistry(), chunks, bus, bridge.Options{
		PendingCap: cfg.Stream.PendingCap,
	})

	serverCfg := server.DefaultConfig()
	serverCfg.Addr = cfg.Server.Addr
	serverCfg.GradingTimeout = cfg.GradingTimeout()
	serverCfg.CardGenerationTimeout = cfg.CardGenerationTimeout()
	srv := server.New(serverCfg, manager, br, snaps, bus)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	// Destroying sessions aborts live streams and flushes final saves.
	if err := manager.DestroyAll(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("session teardown error")
	}

	log.Info().Msg("stopped")
	return nil
}
