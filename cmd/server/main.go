package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Ajaxparmar/whatsAppWeb/internal/config"
	"github.com/Ajaxparmar/whatsAppWeb/internal/gate"
	"github.com/Ajaxparmar/whatsAppWeb/internal/session"
	"github.com/Ajaxparmar/whatsAppWeb/internal/wa"
	"github.com/Ajaxparmar/whatsAppWeb/internal/web"
	"github.com/Ajaxparmar/whatsAppWeb/internal/ws"
)

func main() {
	devMode := flag.Bool("dev", false, "Development mode (serve frontend from filesystem)")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	// A .env file is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}
	if cfg.Session.ChromePath != "" {
		log.Printf("CHROME_PATH is set but not needed, ignoring: %s", cfg.Session.ChromePath)
	}

	var static http.Handler
	if *devMode {
		cwd, _ := os.Getwd()
		dir := filepath.Join(cwd, "internal", "web", "static")
		log.Printf("Serving frontend from: %s", dir)
		static = web.DirHandler(dir)
	} else {
		static = web.Handler()
	}

	var broadcaster *ws.Broadcaster
	machine := session.NewMachine(
		wa.Factory(wa.Options{
			SessionDir: cfg.Session.Dir,
			TerminalQR: cfg.Session.TerminalQR,
		}),
		wa.DataURL,
		func(n session.Notification) { broadcaster.Notify(n) },
		cfg.Session.ReinitDelay,
	)
	broadcaster = ws.NewBroadcaster(machine.Snapshot)

	g := gate.New(machine, gate.Credentials{
		InstanceID:  cfg.Gate.InstanceID,
		AccessToken: cfg.Gate.AccessToken,
	}, cfg.Gate.CountryCode, cfg.Gate.SendTimeout)

	server := ws.NewServer(cfg, g, machine.Snapshot, broadcaster, static)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	if cfg.CredentialsEnabled() {
		log.Printf("Credentialed send API enabled for instance %s", cfg.Gate.InstanceID)
	}

	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// Must outlast the send timeout so slow deliveries surface as 504s
		// instead of severed connections.
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go machine.Start()

	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
		machine.Close()
		broadcaster.Close()
		close(done)
	}()

	log.Printf("Server listening on http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
	<-done
}
