package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/graphtect/sheetmail/internal/api"
	"github.com/graphtect/sheetmail/internal/config"
	"github.com/graphtect/sheetmail/internal/dispatch"
	"github.com/graphtect/sheetmail/internal/mailer"
	"github.com/graphtect/sheetmail/internal/pkg/httpretry"
	"github.com/graphtect/sheetmail/internal/pkg/logger"
	"github.com/graphtect/sheetmail/internal/sheet"
	"github.com/graphtect/sheetmail/internal/template"
	"github.com/graphtect/sheetmail/internal/tracking"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional, env wins)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logger.DEBUG)
	}

	loc, err := time.LoadLocation(cfg.Sheet.Timezone)
	if err != nil {
		log.Fatalf("timezone %q: %v", cfg.Sheet.Timezone, err)
	}

	ctx := context.Background()
	client, err := sheet.NewServiceClient(ctx, cfg.Sheet)
	if err != nil {
		log.Fatalf("sheet client: %v", err)
	}
	roster := sheet.NewRoster(client, cfg.Sheet.Tab, loc)

	sender := mailer.NewSender(cfg.SMTP)
	doer := httpretry.New(&http.Client{Timeout: 30 * time.Second}, 2)
	resolver := template.NewResolver(doer, cfg.Campaign.TemplateURL, cfg.Campaign.TemplateFile)
	engine := dispatch.NewEngine(roster, sender, resolver, doer, cfg.Campaign)

	recorder := tracking.NewRecorder(roster, cfg.Tracking.OpenOverridesFailed)
	pixel := tracking.NewHandler(recorder)

	handlers := api.NewHandlers(engine, roster, sender, pixel.HandlePixel, cfg.Campaign)
	srv := api.NewServer(cfg.Server, handlers)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
