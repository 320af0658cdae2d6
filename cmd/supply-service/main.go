package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"supply-service/internal/config"
	"supply-service/internal/core"
	"supply-service/internal/hardware"
	"supply-service/internal/lanes"
	"supply-service/internal/logger"
	"supply-service/internal/messaging"
	"supply-service/internal/types"
)

func main() {
	var (
		serviceLogLevel int
		configPath      string
		redisHost       string
		redisPort       int
		laneHostURL     string
	)
	flag.IntVar(&serviceLogLevel, "log", 3, "Service log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG)")
	flag.StringVar(&configPath, "config", "/etc/supply-service/config.yaml", "Configuration file path")
	flag.StringVar(&redisHost, "redis-host", "127.0.0.1", "Redis host")
	flag.IntVar(&redisPort, "redis-port", 6379, "Redis port")
	flag.StringVar(&laneHostURL, "lane-host", "ws://127.0.0.1:7125/websocket", "Print-management host websocket URL")

	flag.Parse()

	// Create standard logger with appropriate format
	var stdLogger *log.Logger
	if os.Getenv("INVOCATION_ID") != "" {
		// Running under systemd, use minimal format
		stdLogger = log.New(os.Stdout, "", 0)
	} else {
		// Running interactively, use timestamps
		stdLogger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds|log.Lmsgprefix)
	}

	l := logger.NewLogger(stdLogger, logger.LogLevel(serviceLogLevel))
	l.Infof("Starting supply service...")

	cfg, err := config.Load(configPath)
	if err != nil {
		l.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Feeder unit drivers
	feeders := make(map[string]core.FeederUnit, len(cfg.Feeders))
	var drivers []*hardware.GpioFeederUnit
	for _, fc := range cfg.Feeders {
		driver := hardware.NewGpioFeederUnit(fc, cfg.Tuning, l)
		if err := driver.Initialize(); err != nil {
			l.Fatalf("Failed to initialize feeder %s: %v", fc.Name, err)
		}
		feeders[fc.Name] = driver
		drivers = append(drivers, driver)
	}

	// Print-management host
	laneClient := lanes.NewClient(laneHostURL, 10*time.Second, l.WithTag("lanes"))
	if err := laneClient.Connect(ctx); err != nil {
		l.Fatalf("Failed to connect to lane host: %v", err)
	}

	// Redis: the coordinator is wired in after construction so the command
	// callbacks can close over it.
	var coordinator *core.SupplyCoordinator
	redisClient := messaging.NewRedisClient(redisHost, redisPort, l.WithTag("redis"), messaging.Callbacks{
		LoadCallback:   func(group string) (bool, string) { return coordinator.Load(group) },
		UnloadCallback: func(sensor string) (bool, string) { return coordinator.Unload(sensor) },
		FollowerCallback: func(sensor string, enable bool, direction types.Direction) (bool, string) {
			return coordinator.SetFollower(sensor, enable, direction)
		},
		ClearErrorsCallback: func() (bool, string) { return coordinator.ClearErrors() },
	})
	if err := redisClient.Connect(); err != nil {
		l.Fatalf("Failed to connect to Redis: %v", err)
	}

	// Pressure sensors; extruder positions come from the printer hash.
	sensors := make(map[string]core.PressureSensor, len(cfg.Sensors))
	for _, sc := range cfg.Sensors {
		extruder := sc.Extruder
		sensors[sc.Name] = hardware.NewAdcPressureSensor(sc, func() (float64, error) {
			return redisClient.GetExtruderPosition(extruder)
		})
	}

	topology, err := config.Watch(ctx, configPath, l.WithTag("config"))
	if err != nil {
		l.Warnf("Config watching unavailable: %v", err)
	}

	coordinator, err = core.NewSupplyCoordinator(core.Dependencies{
		Logger:          l,
		Config:          cfg,
		Feeders:         feeders,
		Sensors:         sensors,
		Lanes:           laneClient,
		Redis:           redisClient,
		TopologyUpdates: topology,
	})
	if err != nil {
		l.Fatalf("Failed to build coordinator: %v", err)
	}

	if err := coordinator.Start(ctx); err != nil {
		l.Fatalf("Failed to start coordinator: %v", err)
	}
	if err := redisClient.StartListening(); err != nil {
		l.Fatalf("Failed to start Redis listeners: %v", err)
	}

	l.Infof("Supply service started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	l.Infof("Received signal %v, shutting down...", sig)

	cancel()
	coordinator.Stop()
	redisClient.Close()
	laneClient.Close()
	for _, driver := range drivers {
		driver.Close()
	}
	l.Infof("Shutdown complete")
}
