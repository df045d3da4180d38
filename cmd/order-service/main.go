package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"order-fulfillment/config"
	"order-fulfillment/internal/app"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	cfg.Server.Roles = []string{app.RoleOrder}

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	util.GetLogger().Info("Starting order service")

	if err := app.Run(ctx, cfg); err != nil {
		util.GetLogger().Fatal("Order service failed", zap.Error(err))
	}
}
