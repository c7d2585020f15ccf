package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	grpcadapter "github.com/EthanQC/realtime/internal/adapters/in/grpc"
	"github.com/EthanQC/realtime/internal/adapters/in/httpapi"
	"github.com/EthanQC/realtime/internal/adapters/in/ws"
	"github.com/EthanQC/realtime/internal/adapters/out/auth"
	"github.com/EthanQC/realtime/internal/adapters/out/mq"
	mysqlDir "github.com/EthanQC/realtime/internal/adapters/out/mysql"
	redisLog "github.com/EthanQC/realtime/internal/adapters/out/redis"
	"github.com/EthanQC/realtime/internal/application"
	"github.com/EthanQC/realtime/internal/config"
	"github.com/EthanQC/realtime/internal/ports/out"
	"github.com/EthanQC/realtime/pkg/jwt"
	"github.com/EthanQC/realtime/pkg/zlog"
)

func runServe(cfg *config.Config) error {
	os.Setenv("APP_ENV", cfg.Env)

	// 初始化日志
	syncLog := zlog.MustInitGlobal(cfg.Log)
	defer syncLog()

	logger := zap.L()
	logger.Info("realtime starting", zap.String("env", cfg.Env))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	zlog.RegisterMetrics(reg)
	metrics := application.NewMetrics()
	metrics.Register(reg)

	opts := []application.HubOption{application.WithMetrics(metrics)}

	// 初始化 Redis
	if cfg.Redis.Enabled {
		redisClient, err := initRedis(cfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer redisClient.Close()
		opts = append(opts, application.WithPresenceLog(
			redisLog.NewPresenceLog(redisClient, cfg.Presence.TTL, cfg.Presence.LastSeenTTL)))
	}

	// 初始化数据库
	if cfg.MySQL.Enabled {
		database, err := initDB(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("init database: %w", err)
		}
		directory := mysqlDir.NewDirectory(database)
		if cfg.Env == "dev" {
			if err := directory.AutoMigrate(); err != nil {
				logger.Warn("auto migrate failed", zap.Error(err))
			}
		}
		opts = append(opts, application.WithContactDirectory(directory), application.WithGroupDirectory(directory))
	}

	verifier := auth.NewJWTVerifier(jwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer))
	hub := application.NewHub(application.HubConfig{
		HeartbeatTimeout:  cfg.Heartbeat.Timeout,
		CheckInterval:     cfg.Heartbeat.CheckInterval,
		AutoBroadcast:     cfg.Fanout.AutoBroadcast,
		PresenceAudience:  application.PresenceAudience(cfg.Presence.Audience),
		PresenceRetention: cfg.Presence.Retention,
	}, verifier, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// 初始化 Kafka 消费者
	var consumer out.EventConsumer
	if cfg.Kafka.Enabled {
		c, err := mq.NewKafkaEventConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.Topic, hub)
		if err != nil {
			return fmt.Errorf("init kafka consumer: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start kafka consumer: %w", err)
		}
		consumer = c
	}

	wsServer := ws.NewServer(hub, ws.Options{
		WriteWait:      cfg.WS.WriteWait,
		PongWait:       cfg.WS.PongWait,
		PingPeriod:     cfg.WS.PingPeriod,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		SendBuffer:     cfg.Fanout.SendBuffer,
		AllowedOrigins: cfg.WS.AllowedOrigins,
	})

	var ready atomic.Bool
	ready.Store(true)

	limiter := httpapi.NewRateLimiter(httpapi.RateLimiterConfig{
		GlobalQPS:  cfg.Internal.QPS,
		IPQPSLimit: cfg.Internal.IPQPS,
		BurstSize:  cfg.Internal.Burst,
	})
	go cleanupLimiter(ctx, limiter)

	router := httpapi.NewRouter(httpapi.Deps{
		WS:          wsServer.HandleConnection,
		Publisher:   hub,
		Presence:    hub,
		Stats:       hub,
		Gatherer:    reg,
		InternalKey: cfg.Internal.Key,
		Limiter:     limiter,
		Ready:       ready.Load,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	var healthServer *grpcadapter.HealthServer
	if cfg.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		healthServer = grpcadapter.NewHealthServer()
		healthServer.SetServing(true)
		go func() {
			logger.Info("gRPC health server starting", zap.Int("port", cfg.Server.GRPCPort))
			if err := healthServer.Serve(lis); err != nil {
				logger.Error("gRPC server failed", zap.Error(err))
			}
		}()
	}

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ready.Store(false)
	if healthServer != nil {
		healthServer.SetServing(false)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Warn("Kafka consumer stop error", zap.Error(err))
		}
	}

	// 先关闭会话，WebSocket 不受 http.Server.Shutdown 管理
	hub.Shutdown(shutdownCtx)
	cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	if healthServer != nil {
		healthServer.Stop()
	}

	logger.Info("Server exited properly")
	return nil
}

func initDB(cfg config.MySQLConfig) (*gorm.DB, error) {
	database, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return database, nil
}

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

func cleanupLimiter(ctx context.Context, limiter *httpapi.RateLimiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Cleanup(time.Hour)
		}
	}
}
