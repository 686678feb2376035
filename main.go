package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/simanam/omni-realtime/global"
	"github.com/simanam/omni-realtime/logger"
	mid "github.com/simanam/omni-realtime/middleware"
	"github.com/simanam/omni-realtime/module/user"
	"github.com/simanam/omni-realtime/service/chat"
	"github.com/simanam/omni-realtime/service/relay"
	redis2 "github.com/simanam/omni-realtime/service/storage/redis"
	"github.com/simanam/omni-realtime/tools/ids"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg := global.Load()
	ids.SetNodeID(cfg.SnowNodeID)

	// Presence store and the default relay backend. The gateway still
	// serves local traffic when redis is down; presence degrades.
	if err := redis2.InitRedis(redis2.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}); err != nil {
		logger.Warnf("[main] redis unavailable, presence degraded: %v", err)
	}

	bus, err := buildBus(cfg)
	if err != nil {
		logger.Errorf("[main] relay backend %q: %v", cfg.RelayBackend, err)
		return
	}
	defer func() { _ = bus.Close() }()

	mgr := chat.NewManager(chat.Conf{
		NodeID:      cfg.NodeID,
		PresenceTTL: cfg.PresenceTTL,
	}, bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Run(ctx); err != nil {
		logger.Errorf("[main] manager start: %v", err)
		return
	}
	defer mgr.Close()

	srv := chat.NewServer(mgr, global.GetJwtSecret())

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", srv.HandleWS)
	r.GET("/status", chat.StatusHandler(mgr))
	mid.POST(r, "/login", user.HandlerLogin, mid.RouteOpt{IsAuth: false})
	mid.POST(r, "/check", user.HandlerCheck, mid.RouteOpt{IsAuth: true})
	mid.POST(r, "/notify", chat.NotifyHandler(mgr), mid.RouteOpt{IsAuth: true})

	logger.Infof("[main] node=%s relay=%s listening on %s", cfg.NodeID, cfg.RelayBackend, cfg.HTTPAddr)
	if err := r.Run(cfg.HTTPAddr); err != nil {
		logger.Errorf("[main] http server: %v", err)
	}
}

func buildBus(cfg *global.AppConfig) (relay.Bus, error) {
	switch cfg.RelayBackend {
	case "nats":
		return relay.NewNatsBus(relay.NatsConfig{
			URL:  cfg.NatsURL,
			Name: cfg.NodeID,
		})
	case "kafka":
		return relay.NewKafkaBus(relay.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			NodeID:  cfg.NodeID,
		})
	default:
		return relay.NewRedisBus(""), nil
	}
}
