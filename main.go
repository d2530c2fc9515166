// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/elityaev/agent-harness/internal/app"
	"github.com/elityaev/agent-harness/internal/config"
	"github.com/elityaev/agent-harness/internal/util"
)

var (
	cfgPath  = flag.String("config", "harness.json", "Path to the config file (created if missing)")
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("agent-harness v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	// Secrets may live in a local .env; absence is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("APP: load .env: %v", err)
	}

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("APP: created default config at %s", *cfgPath)
	}
	cfg.ApplyEnv()

	if cfg.Log.File != "" {
		// A bare filename lands next to the harness data; absolute paths win.
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   util.ResolvePath(cfg.Harness.DataDir, cfg.Log.File),
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{
		CfgPath: *cfgPath,
		Cfg:     cfg,
		Version: appVersion,
	}); err != nil {
		log.Fatalf("Harness exited: %v", err)
	}
}

func showUsage() {
	fmt.Println("agent-harness - test harness for the voice assistant agent")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  agent-harness [-config harness.json]")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  HARNESS_API_KEY        shared key for request signing")
	fmt.Println("  HARNESS_AUTH_KEY       identity endpoint key")
	fmt.Println("  HARNESS_REFRESH_TOKEN  identity refresh token")
}
