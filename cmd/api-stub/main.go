package main

import (
	"github.com/jogardn/fieldops/internal/apistub"
	"github.com/jogardn/fieldops/internal/config"
	"github.com/jogardn/fieldops/internal/server"
	"github.com/sirupsen/logrus"
)

// api-stub serves an in-memory version of the sales/distribution API for
// running the driver agent and storefront locally.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := server.NewLogger(cfg.Log, "api-stub")

	stub := apistub.New(apistub.Config{
		SettleAfter: cfg.Stub.SettleAfter,
		MaxDelay:    cfg.Stub.MaxDelay,
		ReturnURL:   cfg.Stub.ReturnURL,
		PublicURL:   "http://localhost:" + cfg.Stub.Port,
	}, logger)
	stub.Seed()

	router := server.NewRouter(logger)
	stub.Register(router)

	if err := server.Run(router, cfg.Stub.Port, cfg.HTTP, logger, nil); err != nil {
		logger.WithError(err).Fatal("API stub stopped")
	}
}
