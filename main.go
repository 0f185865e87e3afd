package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"MChat/global"
	"MChat/logger"
	"MChat/middleware"
	security "MChat/middleware/security"
	"MChat/service/chat"
	"MChat/service/dispatcher"
	"MChat/service/relay"
	"MChat/service/storage"
	ids "MChat/tools/ids"
)

func main() {
	cfg, err := global.Load(os.Getenv("MCHAT_CONFIG"))
	if err != nil {
		logger.Errorf("[main] load config: %v", err)
		os.Exit(1)
	}
	ids.SetNodeID(cfg.Gateway.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- mongo ----
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := storage.ConnectMongo(connectCtx, storage.MongoConf{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		logger.Errorf("[main] mongo connect: %v", err)
		os.Exit(1)
	}
	defer func() { _ = db.Client().Disconnect(context.Background()) }()

	store := storage.NewMongoStore(db)
	if err := store.EnsureIndexes(connectCtx); err != nil {
		logger.Warnf("[main] ensure indexes: %v", err)
	}

	// ---- redis presence ----
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(connectCtx).Err(); err != nil {
		logger.Warnf("[main] redis unavailable, presence disabled: %v", err)
		rdb = nil
	}
	presence := storage.NewPresence(rdb, cfg.Gateway.ID, 0)

	// ---- auth ----
	tokens, err := security.NewTokenService(security.DefaultOptions(cfg.JwtSecret()))
	if err != nil {
		logger.Errorf("[main] token service: %v", err)
		os.Exit(1)
	}

	// ---- registry + optional pipelines ----
	reg := chat.NewRegistry(chat.RegistryConf{Participants: store})
	defer reg.Close()

	deps := chat.ServerDeps{
		Registry: reg,
		Store:    store,
		Verifier: tokens,
		Presence: presence,
	}

	if cfg.Kafka.Enabled {
		arch, err := dispatcher.NewArchiver(dispatcher.ArchiverConf{Brokers: cfg.Kafka.Brokers})
		if err != nil {
			logger.Warnf("[main] kafka archiver disabled: %v", err)
		} else {
			defer arch.Close()
			deps.Archiver = arch
		}
	}

	if cfg.Nats.Enabled {
		rl, err := relay.New(relay.Conf{
			Servers: cfg.Nats.Servers,
			Name:    cfg.Gateway.ID,
			NodeID:  cfg.Gateway.ID,
		})
		if err != nil {
			logger.Warnf("[main] nats relay disabled: %v", err)
		} else {
			defer rl.Close()
			deps.Relay = rl
			err = rl.Subscribe(func(conversationID string, frame []byte) {
				bctx, bcancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer bcancel()
				if err := reg.Broadcast(bctx, conversationID, frame); err != nil {
					logger.Warnf("[main] relay broadcast conv=%s: %v", conversationID, err)
				}
			})
			if err != nil {
				logger.Warnf("[main] relay subscribe: %v", err)
			}
		}
	}

	srv := chat.NewServer(chat.ServerConf{
		GatewayID:   cfg.Gateway.ID,
		AuthTimeout: cfg.Gateway.AuthTimeout,
	}, deps)

	// ---- http ----
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.CORS())
	srv.Mount(r)
	mountAPI(r, tokens, store)

	httpSrv := &http.Server{Addr: cfg.Gateway.Listen, Handler: r}
	go func() {
		logger.Infof("[main] gateway %s listening on %s", cfg.Gateway.ID, cfg.Gateway.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[main] listen: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Infof("[main] shutting down")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	_ = httpSrv.Shutdown(shutCtx)
}

// mountAPI exposes the small HTTP surface next to the socket: token
// issue for dev, conversation membership management, and history reads
// for clients that fill gaps after reconnect.
func mountAPI(r *gin.Engine, tokens *security.TokenService, store *storage.MongoStore) {
	r.POST("/auth/token", func(c *gin.Context) {
		var req struct {
			UserID string `json:"userId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId required"})
			return
		}
		token, exp, err := tokens.Generate(req.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "expireAt": exp.UnixMilli()})
	})

	authed := r.Group("/", security.Middleware(tokens))

	authed.POST("/conversations", func(c *gin.Context) {
		var req struct {
			ConversationID string   `json:"conversationId"`
			Participants   []string `json:"participants"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId required"})
			return
		}
		if err := store.UpsertConversation(c.Request.Context(), req.ConversationID, req.Participants); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	authed.GET("/conversations/:id/messages", func(c *gin.Context) {
		var q struct {
			Limit     int64 `form:"limit"`
			BeforeSeq int64 `form:"beforeSeq"`
		}
		_ = c.ShouldBindQuery(&q)
		msgs, err := store.ListMessages(c.Request.Context(), c.Param("id"), q.Limit, q.BeforeSeq)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	})
}
