package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	gzip "github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/zhifu/epay-relay/config"
	"github.com/zhifu/epay-relay/logger"
	"github.com/zhifu/epay-relay/routes"
	"github.com/zhifu/epay-relay/services"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.Init(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router, apiRoutes := newRouter(cfg, zlog)
	go apiRoutes.Hub().Run(ctx)
	apiRoutes.NotifyCache().StartCleanup(5*time.Minute, ctx.Done())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zlog.Info("server running", zap.String("addr", server.Addr), zap.String("gateway", cfg.Gateway.URL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("server shutdown failed", zap.Error(err))
	}
}

// newRouter 组装服务与路由
func newRouter(cfg *config.Config, zlog *zap.Logger) (*gin.Engine, *routes.APIRoutes) {
	httpClient := services.NewHTTPClient(cfg.Gateway.Timeout, zlog)
	gatewayClient := services.NewGatewayClient(cfg.Gateway.APIURL(), httpClient)

	// 配置了 RELAY_URL 时API支付经独立的中转服务提交
	var forwarder services.Forwarder = gatewayClient
	if cfg.Relay.URL != "" {
		forwarder = services.NewRelayClient(cfg.Relay.URL, httpClient)
	}

	ipLookup := services.NewIPLookup(cfg.Payment.IPLookupURL, services.NewHTTPClient(5*time.Second, zlog), zlog)
	paymentService := services.NewPaymentService(cfg, forwarder, ipLookup, zlog)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.SetTrustedProxies([]string{"127.0.0.1"})
	router.Use(gin.Recovery())
	router.Use(routes.RequestLogger(zlog))
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	router.Use(routes.SecurityHeaders())
	router.Use(routes.CORS(cfg.Server.AllowedOrigins))

	hub := routes.NewHub(cfg.Server.AllowedOrigins, zlog)
	apiRoutes := routes.NewAPIRoutes(paymentService, gatewayClient, hub, zlog)
	apiRoutes.SetupRoutes(router)

	return router, apiRoutes
}

// configPath 优先使用当前工作目录下的 config.yaml，其次是可执行文件所在目录
func configPath() string {
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	execDir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		return ""
	}
	return filepath.Join(execDir, "config.yaml")
}
