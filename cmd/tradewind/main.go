// Command tradewind runs the trade-data chat server.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/tradewindhq/tradewind/internal/app"
	"github.com/tradewindhq/tradewind/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("TRADEWIND_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg := config.Load(*configPath)

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		log.Fatalf("tradewind: %v", err)
	}

	if err := a.RunWithSignal(); err != nil {
		log.Fatalf("tradewind: %v", err)
	}
}
