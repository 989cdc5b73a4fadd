// FilePath: internal/server/server.go
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gxplatform/gxp-ingest/api"
	"github.com/gxplatform/gxp-ingest/internal/assembly"
	"github.com/gxplatform/gxp-ingest/internal/command"
	"github.com/gxplatform/gxp-ingest/internal/config"
	"github.com/gxplatform/gxp-ingest/internal/database"
	"github.com/gxplatform/gxp-ingest/internal/handshake"
	"github.com/gxplatform/gxp-ingest/internal/hubservice"
	"github.com/gxplatform/gxp-ingest/internal/monitoring"
	"github.com/gxplatform/gxp-ingest/internal/mqtt"
	"github.com/gxplatform/gxp-ingest/internal/repository/postgres"
	"github.com/gxplatform/gxp-ingest/internal/repository/rediscache"
	"github.com/gxplatform/gxp-ingest/internal/router"
	"github.com/gxplatform/gxp-ingest/internal/storage"
	"github.com/robfig/cron/v3"
	nuts "github.com/vaudience/go-nuts"
)

// Server wires the ingest pipeline: transport, router, assembly manager,
// handshake, command poller, background schedules and the operator API.
type Server struct {
	config     *config.Config
	srv        *http.Server
	hubservice *hubservice.HubService
	monitoring *monitoring.Service

	transport mqtt.Client
	router    *router.Router
	manager   *assembly.Manager
	poller    *command.Poller
	cron      *cron.Cron
}

// New creates a new server instance
func New(cfg *config.Config) *Server {
	return &Server{
		config: cfg,
	}
}

// Start brings up every component and blocks until shutdown
func (s *Server) Start() error {
	s.monitoring = monitoring.NewService(monitoring.Config{
		PrometheusPort: s.config.Monitoring.PrometheusPort,
	})

	if err := s.initialize(); err != nil {
		return err
	}

	s.setupEventHandlers()

	// Operator API
	apiRouter := api.NewRouter(s.hubservice, s.handleHealth(), s.monitoring.Handler())
	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      handlers.CombinedLoggingHandler(os.Stdout, apiRouter),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	go func() {
		if err := s.monitoring.Serve(); err != nil {
			nuts.L.Warnf("[Server] Metrics listener stopped: %v", err)
		}
	}()

	go func() {
		nuts.L.Infof("[Server] Operator API listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			nuts.L.Errorf("[Server] Error starting server: %v", err)
			os.Exit(1)
		}
	}()

	// Transport and inbound routing
	if err := s.transport.Connect(); err != nil {
		return fmt.Errorf("transport connect failed: %w", err)
	}
	if err := s.router.Start(); err != nil {
		return fmt.Errorf("router start failed: %w", err)
	}

	// Background schedules: assembly reaper and command queue poller
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(s.config.Assembly.ReaperInterval), cron.FuncJob(s.manager.Reap))
	s.cron.Schedule(cron.Every(s.config.Assembly.PollerInterval), cron.FuncJob(func() {
		s.poller.Poll(context.Background())
	}))
	s.cron.Start()

	nuts.L.Infof("[Server] Ingest pipeline running (broker %s:%d)", s.config.MQTT.Host, s.config.MQTT.Port)
	return s.waitForShutdown()
}

// initialize connects the backing services and builds the pipeline
func (s *Server) initialize() error {
	db, err := database.NewPostgresDB(s.config.Database)
	if err != nil {
		return err
	}

	var cache *rediscache.Cache
	if s.config.Redis.Host != "" {
		cache, err = rediscache.New(s.config.Redis)
		if err != nil {
			nuts.L.Warnf("[Server] Redis unavailable, continuing without cache: %v", err)
			cache = nil
		}
	}

	store, err := storage.New(s.config.Storage)
	if err != nil {
		return err
	}

	devices := postgres.NewDeviceRepository(db)
	captures := postgres.NewCaptureRepository(db)
	commands := postgres.NewCommandRepository(db)
	audit := postgres.NewAuditRepository(db)

	s.hubservice = hubservice.New(devices, captures, commands, audit, cache,
		s.monitoring, s.config.Assembly.OperationTimeout)
	if err := s.hubservice.Validate(); err != nil {
		return err
	}

	s.transport = mqtt.NewClient(s.config.MQTT)

	// The router implements the outbound publish side the manager, the
	// handshake and the poller need; it is constructed last and handed the
	// inbound consumers.
	finalizerHolder := &publisherHolder{}
	finalizer := assembly.NewFinalizer(s.hubservice, store, finalizerHolder, s.config.Assembly.StrictSize)
	s.manager = assembly.NewManager(s.hubservice, finalizer, finalizerHolder, s.config.Assembly)
	hs := handshake.New(s.hubservice, finalizerHolder,
		time.Duration(s.config.Assembly.DefaultSleepHours)*time.Hour)
	s.poller = command.NewPoller(s.hubservice, finalizerHolder, s.config.Assembly.PollerBatchSize)

	s.router = router.New(s.transport, s.hubservice, s.manager, hs, s.poller, s.config.MQTT)
	finalizerHolder.router = s.router

	return nil
}

// publisherHolder breaks the construction cycle between the router (which
// owns publishing) and the components built before it.
type publisherHolder struct {
	router *router.Router
}

func (p *publisherHolder) PublishAck(hwID string, v any) error {
	return p.router.PublishAck(hwID, v)
}

func (p *publisherHolder) PublishCmd(hwID string, v any) error {
	return p.router.PublishCmd(hwID, v)
}

// waitForShutdown waits for interrupt signal and gracefully shuts down.
// Order matters: stop transport callbacks first, then drain the router
// queues and the per-device workers. Captures mid-finalization stay
// assembling and recover on next boot.
func (s *Server) waitForShutdown() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	nuts.L.Infof("[Server] Shutting down...")

	s.cron.Stop()
	s.transport.Disconnect()
	s.router.Stop()
	s.manager.Shutdown(s.config.Assembly.DrainGracePeriod)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}

	nuts.L.Infof("[Server] Shut down successfully")
	return nil
}

// setupEventHandlers mirrors pipeline events into monitoring
func (s *Server) setupEventHandlers() {
	s.hubservice.Events.On("capture.finalized", "server_handler", func(args ...interface{}) {
		if len(args) > 0 {
			if id, ok := args[0].(string); ok {
				s.monitoring.RecordEvent("capture_finalized", map[string]string{
					"capture_id": id,
				})
			}
		}
	})
}

// handleHealth returns a simple health check handler
func (s *Server) handleHealth() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","version":"` + nuts.GetVersion() +
			`","active_assemblies":` + fmt.Sprint(s.manager.ActiveAssemblies()) + `}`))
	}
}
