package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/course.bridge/internal/bus"
	"github.com/banshee-data/course.bridge/internal/config"
	"github.com/banshee-data/course.bridge/internal/frame"
	"github.com/banshee-data/course.bridge/internal/journal"
	"github.com/banshee-data/course.bridge/internal/monitoring"
	"github.com/banshee-data/course.bridge/internal/motorlink"
	"github.com/banshee-data/course.bridge/internal/session"
	"github.com/banshee-data/course.bridge/internal/timeutil"
	"github.com/banshee-data/course.bridge/internal/version"
	"github.com/banshee-data/course.bridge/internal/wireless"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the JSON configuration file")
	devMode     = flag.Bool("dev", false, "Run in dev mode (wireless client over TCP from localhost instead of RFCOMM)")
	listen      = flag.String("listen", "", "Admin listen address (overrides admin.listen)")
	port        = flag.String("port", "", "Serial port to use (overrides serial.port)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// busRetryInterval paces Connect attempts while the broker is unreachable.
const busRetryInterval = time.Second

// devPeer is the only client admitted in dev mode.
const devPeer = "127.0.0.1"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	log.Printf("starting %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	listener, err := openListener(cfg.Wireless)
	if err != nil {
		log.Fatalf("failed to open wireless listener: %v", err)
	}
	if err := run(ctx, cfg, transports{Listener: listener, Open: motorlink.OpenSerial}); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("bridge failed: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads path. The bundled defaults file may be absent, in which
// case the built-in defaults apply.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == config.DefaultConfigPath {
		log.Printf("%s not found, using built-in defaults", path)
		return config.Default(), nil
	}
	return cfg, err
}

// applyFlags overrides config values with any command line flags given.
func applyFlags(cfg *config.Config) {
	if *port != "" {
		cfg.Serial.Port = *port
	}
	if *listen != "" {
		cfg.Admin.Listen = *listen
	}
	if *devMode {
		cfg.Wireless.Transport = config.TransportTCP
		cfg.Wireless.AllowedPeer = devPeer
	}
}

func busChannels(c config.BusConfig) bus.Channels {
	return bus.Channels{
		PlanResult:         c.PlanResultChannel,
		RecognitionResult:  c.RecognitionResultChannel,
		CameraReady:        c.CameraReadyChannel,
		PlannerRequest:     c.PlannerRequestChannel,
		RecognitionRequest: c.RecognitionRequestChannel,
		CameraRequest:      c.CameraRequestChannel,
	}
}

func newDialer(c config.BusConfig, ackTimeout, keepAlive time.Duration) bus.Dialer {
	if c.Backend == config.BackendRedis {
		return bus.RedisDialer{
			Address:  c.Address,
			Username: c.Username,
			Password: c.Password,
			DB:       c.DB,
		}
	}
	return bus.MQTTDialer{
		Address:    c.Address,
		ClientID:   c.ClientID,
		Username:   c.Username,
		Password:   c.Password,
		KeepAlive:  keepAlive,
		QoS:        byte(c.QoS),
		AckTimeout: ackTimeout,
	}
}

func openListener(c config.WirelessConfig) (wireless.Listener, error) {
	if c.Transport == config.TransportTCP {
		return wireless.ListenTCP(c.TCPAddress)
	}
	return wireless.ListenRFCOMM(c.Channel)
}

// connectBus retries Connect until it succeeds or ctx ends.
func connectBus(ctx context.Context, b *bus.Bridge, clock timeutil.Clock) error {
	for attempt := 1; ; attempt++ {
		err := b.Connect(ctx)
		if err == nil {
			return nil
		}
		if attempt == 1 || attempt%30 == 0 {
			log.Printf("bus connect failed (attempt %d): %v", attempt, err)
		}
		if err := timeutil.Sleep(ctx, clock, busRetryInterval); err != nil {
			return err
		}
	}
}

// transports are the platform endpoints run drives.
type transports struct {
	Listener wireless.Listener
	Open     motorlink.Opener
	Clock    timeutil.Clock
}

func run(parent context.Context, cfg *config.Config, t transports) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	clock := t.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	runID := journal.NewRunID()

	var recorder session.Recorder
	var jrnl *journal.Journal
	if !cfg.Journal.Disabled {
		var err error
		jrnl, err = journal.Open(cfg.Journal.Path, runID, clock)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jrnl.Close()
		recorder = jrnl
	}

	msgBus := bus.New(bus.Config{
		Dialer:         newDialer(cfg.Bus, cfg.GetPublishTimeout(), cfg.GetKeepAlive()),
		Channels:       busChannels(cfg.Bus),
		PublishTimeout: cfg.GetPublishTimeout(),
		Metrics:        metrics,
	})
	defer msgBus.Release()

	// The engine, the links and the coordinator refer to each other; the
	// engine is built first against late-bound link pointers.
	var (
		link    *motorlink.Link
		manager *wireless.Manager
	)
	engine := session.NewEngine(session.Config{
		Motor:            motorFunc(func() session.Motor { return link }),
		Client:           clientFunc(func() session.Client { return manager }),
		Bus:              msgBus,
		Journal:          recorder,
		SettleDelay:      cfg.GetSettleDelay(),
		RelayRecognition: cfg.Bus.RelayRecognition,
		RunID:            runID,
		Clock:            clock,
		Metrics:          metrics,
	})

	link = motorlink.New(motorlink.Config{
		Path: cfg.Serial.Port,
		Options: motorlink.PortOptions{
			BaudRate: cfg.Serial.BaudRate,
			DataBits: cfg.Serial.DataBits,
			StopBits: cfg.Serial.StopBits,
			Parity:   cfg.Serial.Parity,
		},
		RetryInterval: cfg.GetRetryInterval(),
		Open:          t.Open,
		Clock:         clock,
		Metrics:       metrics,
		OnStep:        engine.StepComplete,
		OnConnected:   engine.SerialConnected,
		OnLost:        engine.SerialLost,
	})

	manager = wireless.New(wireless.Config{
		Listener:       t.Listener,
		AllowedPeer:    cfg.Wireless.AllowedPeer,
		ReadBufferSize: cfg.Wireless.ReadBufferSize,
		Terminating:    engine.Terminating(),
		Clock:          clock,
		Metrics:        metrics,
		OnFrame:        engine.ObstacleMap,
		OnConnected:    engine.ClientConnected,
		OnDisconnected: engine.ClientDisconnected,
	})

	coordinator := &session.Coordinator{
		Engine:      engine,
		Client:      manager,
		Bus:         msgBus,
		GracePeriod: cfg.GetGracePeriod(),
		Clock:       clock,
	}

	var wg sync.WaitGroup
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s routine failed: %v", name, err)
			}
			log.Printf("%s routine terminated", name)
		}()
	}

	goRun("engine", func() error { return engine.Run(ctx) })
	goRun("serial", func() error { return link.Run(ctx) })
	goRun("coordinator", func() error { return coordinator.Run(ctx) })
	goRun("bus", func() error {
		if err := connectBus(ctx, msgBus, clock); err != nil {
			return err
		}
		log.Printf("bus connected to %s over %s", cfg.Bus.Address, cfg.Bus.Backend)
		return msgBus.Run(ctx, engine.Route)
	})
	// The process ends with the wireless session: once termination has been
	// signalled and the client has gone, everything else is stopped.
	goRun("wireless", func() error {
		defer cancel()
		return manager.Run(ctx)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	link.AttachAdminRoutes(mux)
	engine.AttachAdminRoutes(mux)
	if jrnl != nil {
		if err := jrnl.AttachAdminRoutes(mux); err != nil {
			log.Printf("journal admin routes unavailable: %v", err)
		}
	}
	goRun("admin", func() error { return serveAdmin(ctx, cfg.Admin.Listen, mux) })

	wg.Wait()
	return parent.Err()
}

func serveAdmin(ctx context.Context, addr string, mux *http.ServeMux) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}
	log.Println("shutting down admin server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("admin server force close error: %v", err)
		}
	}
	return nil
}

// motorFunc and clientFunc defer the lookup of a link that is constructed
// after the engine.
type motorFunc func() session.Motor

func (f motorFunc) SendCommand(cmd frame.Command) error { return f().SendCommand(cmd) }

type clientFunc func() session.Client

func (f clientFunc) SendStatus(s frame.StatusFrame) error { return f().SendStatus(s) }
