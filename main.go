package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/gin-gonic/gin"
	apirest "github.com/kotonoha/classchat/server/api/rest"
	"github.com/kotonoha/classchat/server/api/sse"
	apows "github.com/kotonoha/classchat/server/api/ws"
	"github.com/kotonoha/classchat/server/audit"
	"github.com/kotonoha/classchat/server/cache"
	"github.com/kotonoha/classchat/server/chat/convo"
	"github.com/kotonoha/classchat/server/chat/message"
	"github.com/kotonoha/classchat/server/chat/session"
	"github.com/kotonoha/classchat/server/chat/social"
	"github.com/kotonoha/classchat/server/config"
	dbadapter "github.com/kotonoha/classchat/server/db"
	mw "github.com/kotonoha/classchat/server/middleware"
	"github.com/kotonoha/classchat/server/model"
	"github.com/kotonoha/classchat/server/scheduler"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized")

	// ---- Audit ----
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(context.Background())

	// ---- Cache / PubSub ----
	cacheConfig := cache.Config{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized")

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()

	// ---- Chat Core ----
	sm := session.NewManager(logger)
	defer sm.CloseAll()
	typing := session.NewTypingRegistry(cfg.Chat.TypingWindow)
	socialSvc := social.New(db, logger)
	convSvc := convo.New(db, socialSvc, logger)
	msgLog := message.NewLog(db, c, cfg.Chat.MaxMessageLen, cfg.Chat.RecentHistory, logger)

	// ---- Periodic Scheduler Tasks ----
	sched.AddTicker("typing_sweep", cfg.Chat.TypingSweep, func() {
		if n := typing.Sweep(); n > 0 {
			logger.Debug("typing sweep", zap.Int("expired", n))
		}
	})

	// ---- WS Router ----
	wsRouter := apows.NewRouter(logger)
	chatH := apows.NewChatHandlers(db, sm, socialSvc, convSvc, msgLog, typing, pubsub, logger)
	chatH.Register(wsRouter)

	// Announcements published over pub/sub (possibly by another process when
	// redis backs the cache) are fanned out to every live WS session.
	announceCtx, announceCancel := context.WithCancel(context.Background())
	defer announceCancel()
	go func() {
		msgCh, unsub, err := pubsub.Subscribe(announceCtx, sse.AnnounceChannel)
		if err != nil {
			logger.Error("announce subscribe failed", zap.Error(err))
			return
		}
		defer unsub()
		for msg := range msgCh {
			for _, s := range sm.All() {
				s.SendRaw([]byte(msg.Payload))
			}
		}
	}()

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security, auditSvc)
	userH := apirest.NewUserHandler(db, cfg.Chat)
	socialH := apirest.NewSocialHandler(socialSvc, sm, auditSvc)
	convH := apirest.NewConversationHandler(convSvc, msgLog, cfg.Chat)
	sseH := sse.NewHandler(pubsub, c, cfg.Security, logger)
	adminH := apirest.NewAdminHandler(db, sm, sseH, sched)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/register", authH.Register)
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(cfg.Security, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(cfg.Security, c), authH.Refresh)

		usersG := api.Group("/users")
		usersG.Use(mw.Auth(cfg.Security, c))
		usersG.GET("/me", userH.Me)
		usersG.PUT("/me", userH.UpdateMe)
		usersG.GET("/search", userH.Search)

		friendsG := api.Group("/friends")
		friendsG.Use(mw.Auth(cfg.Security, c))
		friendsG.GET("", socialH.ListFriends)
		friendsG.GET("/requests", socialH.ListRequests)
		friendsG.POST("/request", socialH.SendRequest)
		friendsG.POST("/accept", socialH.AcceptRequest)
		friendsG.POST("/decline", socialH.DeclineRequest)

		convG := api.Group("/conversations")
		convG.Use(mw.Auth(cfg.Security, c))
		convG.GET("", convH.List)
		convG.POST("/direct", convH.CreateDirect)
		convG.POST("/group", convH.CreateGroup)
		convG.POST("/:id/participants", convH.AddParticipant)
		convG.DELETE("/:id/participants/:uid", convH.RemoveParticipant)
		convG.GET("/:id/messages", convH.Messages)
		convG.POST("/:id/read", convH.MarkRead)

		adminG := api.Group("/admin")
		adminG.Use(apirest.AdminAuth(cfg.Server.AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/sessions", adminH.Sessions)
		adminG.POST("/kick/:id", adminH.Kick)
		adminG.POST("/announce", adminH.Announce)
	}

	// ---- WebSocket ----
	wsH := apows.NewHandler(db, c, cfg.Security, sm, socialSvc, chatH, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- SSE ----
	r.GET("/sse", sseH.ServeSSE)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("Server listening", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
