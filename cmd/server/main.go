// Package main provides the code-assist gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poemonsense/codeassist-gateway/internal/config"
	"github.com/poemonsense/codeassist-gateway/internal/server"
	"github.com/poemonsense/codeassist-gateway/internal/store"
	"github.com/poemonsense/codeassist-gateway/internal/utils"
)

const version = "1.0.0"

func main() {
	var (
		configPath string
		dbPath     string
		debugMode  bool
		port       int
		host       string
	)

	flag.StringVar(&configPath, "config", "config.json", "Path to JSON config file")
	flag.StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	flag.BoolVar(&debugMode, "debug", false, "Enable debug logging")
	flag.IntVar(&port, "port", 0, "Server port (default: 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		utils.Error("[Startup] Failed to load config: %v", err)
		os.Exit(1)
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if port != 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}
	if debugMode {
		cfg.Debug = true
	}
	utils.SetDebug(cfg.Debug)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		utils.Error("[Startup] Failed to open database: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	srv, err := server.New(cfg, st)
	if err != nil {
		utils.Error("[Startup] Failed to create server: %v", err)
		os.Exit(1)
	}

	printBanner(cfg, st)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	go func() {
		if err := srv.Run(addr); err != nil {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	}()

	utils.Success("Server started successfully on port %d", cfg.Port)
	if cfg.Debug {
		utils.Warn("Running in DEBUG mode - verbose logs enabled")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		utils.Error("[Server] Shutdown error: %v", err)
	}
	utils.Success("Server stopped")
}

func printBanner(cfg *config.Config, st *store.Store) {
	utils.GetLogger().Header(fmt.Sprintf("Code Assist Gateway v%s", version))

	accounts, err := st.ListAccounts()
	active := 0
	if err == nil {
		for _, a := range accounts {
			if a.Status == store.AccountStatusActive && a.ProjectID != "" {
				active++
			}
		}
	}

	utils.Info("Listen address:   %s:%d", cfg.Host, cfg.Port)
	utils.Info("Database:         %s", cfg.DatabasePath)
	utils.Info("Accounts:         %d total, %d selectable", len(accounts), active)
	utils.Info("Capacity retries: %d (base delay %dms)", cfg.CapacityRetries, cfg.CapacityRetryDelayMs)
	if cfg.OutboundProxyURL != "" {
		utils.Info("Outbound proxy:   %s", cfg.OutboundProxyURL)
	}
	if cfg.AdminKey == "" {
		utils.Warn("Admin key not configured - admin routes are disabled")
	}
	if cfg.RedisAddr == "" {
		utils.Info("Usage stats:      disabled (no Redis configured)")
	}
}
