package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"WeaponDetClient/api"
	"WeaponDetClient/client"
	"WeaponDetClient/config"
	backend "WeaponDetClient/gRPC"
	"WeaponDetClient/logger"
	"WeaponDetClient/monitor"
	"WeaponDetClient/orchestrator"
	"WeaponDetClient/render"

	"go.uber.org/zap"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-config config.yaml] serve\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s [-config config.yaml] detect <image-or-video>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to the YAML config file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogLevel, cfg.Development); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch flag.Arg(0) {
	case "serve":
		err = serve(ctx, cfg)
	case "detect":
		if flag.NArg() < 2 {
			usage()
			os.Exit(2)
		}
		err = detect(ctx, cfg, flag.Arg(1))
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Log().Error("exiting", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// newOrchestrator wires one orchestrator to the service client and the renderer.
func newOrchestrator(cfg *config.Config, svc *client.Client, renderer *render.Renderer) *orchestrator.Orchestrator {
	o := orchestrator.New(svc,
		orchestrator.WithAnnotator(renderer),
		orchestrator.WithProgress(svc),
		orchestrator.WithMaxUploadSize(cfg.MaxUploadSize))
	o.Subscribe(monitor.Observe)
	return o
}

func serve(ctx context.Context, cfg *config.Config) error {
	fmt.Println(strings.Repeat("#", 64))
	fmt.Println(" Detection service:", cfg.BaseURL)
	fmt.Println(" API   Port:", cfg.APIPort)
	fmt.Println(" gRPC  Port:", cfg.RPCPort)
	fmt.Println(" Metrics Port:", cfg.MetricsPort)
	fmt.Println(strings.Repeat("#", 64))

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	svc := client.New(cfg)
	renderer := render.New()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		monitor.StartMon(cfg.MetricsPort, ctx)
	}()

	health, err := backend.StartGRPCServer(cfg.RPCPort)
	if err != nil {
		return err
	}
	defer health.Stop()
	go func() {
		defer wg.Done()
		svc.WatchHealth(ctx, cfg.HealthInterval, func(healthy bool, err error) {
			health.SetServing(healthy)
			monitor.SetServiceUp(healthy)
		})
	}()

	server := api.NewServer(func() *orchestrator.Orchestrator {
		return newOrchestrator(cfg, svc, renderer)
	}, api.Options{
		IdleTimeout:   cfg.SessionIdle,
		MaxUploadSize: cfg.MaxUploadSize,
		Fetcher:       svc,
	})
	err = server.Run(ctx, cfg.APIPort)
	stop()
	wg.Wait()
	return err
}
