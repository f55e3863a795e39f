package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/api"
	"github.com/lorawan-server/lorawan-ns-core/internal/config"
	"github.com/lorawan-server/lorawan-ns-core/internal/downlink"
	"github.com/lorawan-server/lorawan-ns-core/internal/framelog"
	"github.com/lorawan-server/lorawan-ns-core/internal/integration"
	"github.com/lorawan-server/lorawan-ns-core/internal/keyenvelope"
	"github.com/lorawan-server/lorawan-ns-core/internal/multicast"
	"github.com/lorawan-server/lorawan-ns-core/internal/server"
	"github.com/lorawan-server/lorawan-ns-core/internal/session"
	"github.com/lorawan-server/lorawan-ns-core/internal/storage"
)

func main() {
	configPath := flag.String("config", "config/network-server.yml", "configuration file path")
	validateOnly := flag.Bool("validate", false, "validate the configuration and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("configPath", *configPath).Msg("failed to load configuration")
	}
	setupLogging(cfg.Log)

	if *validateOnly {
		fmt.Println("configuration is valid")
		return
	}

	log.Info().
		Str("configPath", *configPath).
		Str("netID", cfg.Network.NetID).
		Msg("network server starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	resolver, err := keyenvelope.NewStaticResolver(cfg.KEKs)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid kek configuration")
	}

	sessions, err := session.NewManager(store, keyenvelope.NewCodec(resolver), cfg.Network)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session manager")
	}
	queue := downlink.NewQueue(store, sessions, downlink.NewDRTable(cfg.Network.DataRates), cfg.Network)
	sessions.SetQueueFlusher(queue)
	scheduler := multicast.NewScheduler(store, cfg.Multicast, cfg.Network.DataRates)

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = connectNATS(cfg.NATS)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nc.Close()
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	frameLog, closeFrameLog := setupFrameLog(cfg, nc)
	defer closeFrameLog()
	if frameLog != nil {
		queue.SetFrameLog(frameLog)
	}

	mqttClient := connectMQTT(cfg.MQTT)
	forwarder := integration.NewForwarder(mqttClient, nc, cfg.MQTT)
	defer forwarder.Close()
	sessions.SetActivationPublisher(forwarder)

	var wg sync.WaitGroup

	if nc != nil {
		scheduler.SetFramePublisher(server.NewGatewayPublisher(nc, frameLog))

		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Run(ctx, cfg.Multicast.DispatchInterval)
		}()

		subscriber := server.NewNATSSubscriber(nc, queue, scheduler, frameLog)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := subscriber.Start(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("NATS subscriber stopped")
				cancel()
			}
		}()
	}

	apiServer := api.NewRESTServer(cfg.API, sessions, queue, scheduler)
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("REST API server failed")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	case <-ctx.Done():
		log.Info().Msg("context cancelled, shutting down")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown API server gracefully")
	}

	wg.Wait()
	log.Info().Msg("network server stopped")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// openStore connects to PostgreSQL, or falls back to the in-memory store
// when no DSN is configured.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	if cfg.DSN == "" {
		log.Warn().Msg("no database configured, state is kept in memory")
		return storage.NewMemoryStore(), nil
	}

	store, err := storage.NewPostgresStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	log.Info().Msg("connected to database")
	return store, nil
}

func connectNATS(cfg config.NATSConfig) (*nats.Conn, error) {
	name := cfg.ClientID
	if name == "" {
		name = "lorawan-network-server"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.UserInfo(cfg.Username, cfg.Password),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, err
	}

	log.Info().Str("url", cfg.URL).Msg("connected to NATS")
	return nc, nil
}

// connectMQTT returns nil when no integration broker is configured or it
// cannot be reached. Activation events then only go out over NATS.
func connectMQTT(cfg config.MQTTConfig) mqtt.Client {
	if cfg.Broker == "" {
		return nil
	}

	client, err := integration.Connect(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("failed to connect to MQTT broker, continuing without MQTT")
		return nil
	}
	return client
}

// setupFrameLog builds the frame log from every configured sink. The
// returned func releases the sinks.
func setupFrameLog(cfg *config.Config, nc *nats.Conn) (framelog.Sink, func()) {
	var sinks framelog.MultiSink
	var closers []func()

	if nc != nil {
		sinks = append(sinks, framelog.NewNATSSink(nc, cfg.FrameLog.NATSSubjectPrefix))
	}

	if cfg.Redis.Addr != "" && cfg.FrameLog.RedisStream != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sinks = append(sinks, framelog.NewRedisSink(rdb, cfg.FrameLog.RedisStream, cfg.FrameLog.RedisMaxLen))
		closers = append(closers, func() { rdb.Close() })
	}

	if len(cfg.Kafka.Brokers) > 0 && cfg.FrameLog.KafkaTopic != "" {
		k := framelog.NewKafkaSink(cfg.Kafka.Brokers, cfg.FrameLog.KafkaTopic)
		sinks = append(sinks, k)
		closers = append(closers, func() { k.Close() })
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if len(sinks) == 0 {
		return nil, closeAll
	}
	log.Info().Int("sinks", len(sinks)).Msg("frame log enabled")
	return sinks, closeAll
}
