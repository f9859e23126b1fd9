package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/lk2023060901/iris-garden-go/application"
	"github.com/lk2023060901/iris-garden-go/pkg/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.New().Run(ctx); err != nil {
		log.Error("service exited abnormally", zap.Error(err))
		os.Exit(1)
	}
}
