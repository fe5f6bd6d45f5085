package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/vigorhq/vigor/accounts"
	gateway "github.com/vigorhq/vigor/apigateway"
	"github.com/vigorhq/vigor/notify"
	"github.com/vigorhq/vigor/store"
	"github.com/vigorhq/vigor/syncer"
	"github.com/vigorhq/vigor/wearables"
)

var vigorConfig wearables.Config
var logrusLogger = logrus.New()
var database *store.DB
var dataStore *store.Store
var auth gateway.JWTAuth
var engine *syncer.Service
var accountsService accounts.Service
var drainer *notify.Drainer
var logSampling gateway.LogSamplingConfig

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.Pool.Start()
	go engine.RunReconciler(ctx)
	go drainer.Run(ctx)

	app := GetMainEngine()
	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			logrusLogger.WithError(err).Warn("server shutdown failed")
		}
	}()

	if vigorConfig.Port == "" {
		vigorConfig.Port = ":8090"
	}
	if err := app.Listen(vigorConfig.Port); err != nil {
		logrusLogger.WithError(err).Error("server stopped")
	}
	// Deliveries already acked still get processed before exit.
	engine.Pool.Stop()
}
