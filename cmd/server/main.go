package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whatsapp-inbox/internal/ai"
	"whatsapp-inbox/internal/api"
	"whatsapp-inbox/internal/automation"
	"whatsapp-inbox/internal/config"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/inbox"
	"whatsapp-inbox/internal/lib/logger"
	"whatsapp-inbox/internal/lib/sl"
	"whatsapp-inbox/internal/media"
	"whatsapp-inbox/internal/webhook"
	"whatsapp-inbox/internal/whatsapp"
	"whatsapp-inbox/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.MustLoad()
	log := logger.SetupLogger(cfg.Env)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", sl.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg, log)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}
	store := database.NewStore(db)

	mediaStore, err := media.NewStore(ctx, cfg)
	if err != nil {
		return err
	}

	hub := ws.NewHub(log)
	gateway := whatsapp.NewGatewayClient(cfg)
	cloud := whatsapp.NewCloudClient(cfg)
	dispatcher := whatsapp.NewDispatcher(store, gateway, cloud, mediaStore, hub, log)

	engine := automation.NewEngine(store, dispatcher, mediaStore, hub, cfg.Automation.StepDelay, log)
	agent := ai.NewOrchestrator(store, dispatcher, mediaStore, hub, ai.NewProvider, cfg.AI.HistoryLimit, log)

	var worker *asynq.Server
	if cfg.Redis.Addr != "" {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password}
		queue := asynq.NewClient(redisOpt)
		defer queue.Close()
		engine.SetScheduler(automation.NewAsynqScheduler(queue))

		worker = asynq.NewServer(redisOpt, asynq.Config{Concurrency: 10})
		log.Info("automation continuations queued in redis", slog.String("addr", cfg.Redis.Addr))
	}

	norm := inbox.NewNormalizer(store, mediaStore, media.NewFetcher(cfg.HTTPClientTimeout), gateway, cloud, hub, log)
	recon := inbox.NewReconciler(store, hub, log)
	hooks := webhook.NewHandler(store, norm, recon, engine, agent, hub, cfg.Graph.VerifyToken, log)

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), api.RequestLogger(log.With(sl.Module("http"))), api.CORS())
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ws", hub.ServeWs)
	hooks.Register(r)
	api.Register(r,
		api.NewAutomationHandler(store, log),
		api.NewChatHandler(store, dispatcher, hub, log),
		api.NewContactHandler(store))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if worker != nil {
		mux := asynq.NewServeMux()
		mux.HandleFunc(automation.TaskContinue, automation.HandleContinue(engine.Resume))
		if err := worker.Start(mux); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		log.Info("http server starting", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hooks.Wait()
		if worker != nil {
			worker.Shutdown()
		}
		return err
	})

	return g.Wait()
}
