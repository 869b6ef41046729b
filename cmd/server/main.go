package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"morning-star-delivery/internal/api"
	"morning-star-delivery/internal/config"
	"morning-star-delivery/internal/modules/execution"
	"morning-star-delivery/internal/modules/queue"
	"morning-star-delivery/internal/modules/schedule"
	"morning-star-delivery/internal/modules/tracking"
	"morning-star-delivery/internal/platform/kv"
	"morning-star-delivery/pkg/orders"

	"github.com/jackc/pgx/v5/pgxpool"
)

// main is the composition root for one driver session: it wires the
// persistent store, the durable queue, the execution coordinator and the
// location tracker, then serves the driver-facing API.
func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.DriverID == "" {
		log.Fatal("DRIVER_ID is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer pool.Close()

	// The queue snapshot lives under the driver's namespace so a session
	// restart resumes exactly where the driver left off.
	store := kv.Open(cfg.RedisAddr, "driver:"+cfg.DriverID)
	actionQueue, err := queue.New(ctx, store)
	if err != nil {
		log.Fatalf("restore offline queue: %v", err)
	}
	if n := actionQueue.Len(); n > 0 {
		log.Printf("restored %d unsynced actions from previous session", n)
	}

	orderClient := orders.NewClient(cfg.OrderServiceURL)
	repo := execution.NewRepository(pool)
	coordinator := execution.NewService(repo, actionQueue, orderClient)

	feed := tracking.NewSampleFeed()
	uplink := tracking.NewHTTPUplink(cfg.TelemetryURL)
	tracker := tracking.NewTracker(feed, uplink, actionQueue, cfg.DriverID, tracking.Intervals{})
	if err := tracker.Start(); err != nil {
		log.Fatalf("start location tracking: %v", err)
	}
	defer tracker.Stop()

	go coordinator.RunReplayLoop(ctx, time.Duration(cfg.ReplayIntervalSecs)*time.Second)

	calc := schedule.NewCalculator(cfg.DeliveryCutoffHour, nil)

	e := api.NewRouter(
		cfg.JWTSecret,
		execution.NewHandler(coordinator),
		tracking.NewHandler(feed, tracker),
		schedule.NewHandler(calc),
	)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("driver session for %s listening on :%s", cfg.DriverID, cfg.ServerPort)
	if err := e.Start(":" + cfg.ServerPort); err != nil {
		log.Println(err)
	}
}
