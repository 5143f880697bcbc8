package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"guest-access-service/internal/backoffice"
	"guest-access-service/internal/client"
	"guest-access-service/internal/config"
	"guest-access-service/internal/delivery"
	"guest-access-service/internal/events"
	"guest-access-service/internal/guard"
	"guest-access-service/internal/hashing"
	"guest-access-service/internal/orders"
	"guest-access-service/internal/service"
	"guest-access-service/internal/store"
	"guest-access-service/internal/token"
	"guest-access-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient   *client.RedisClient
	kafkaProducer *client.KafkaProducer

	reporter         events.Reporter
	hasher           *hashing.Hasher
	challengeStore   *store.ChallengeStore
	actionTokenStore *store.ActionTokenStore
	revocationStore  *store.RevocationStore
	sessionManager   *token.SessionManager
	abuseGuard       *guard.AbuseGuard
	sender           delivery.Sender
	ordersClient     orders.Client
	backofficeClient backoffice.Client

	otpService    *service.OTPService
	actionService *service.ActionTokenService

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeComponents()

	if cfg.IsProduction() {
		go factory.runTerminalReaper()
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.String("delivery_provider", cfg.Delivery.Provider),
	)

	return factory, nil
}

// initializeClients initializes the external service clients with
// health checks. Redis is mandatory; Kafka is best-effort because
// security reporting must never take the service down.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisClient, err := client.NewRedisClient(f.config)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}
	util.Info("Redis client initialized and healthy")

	if f.config.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(f.config)
		if err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	return nil
}

// initializeComponents wires stores, managers, collaborator clients,
// and services on top of the clients.
func (f *Factory) initializeComponents() {
	cfg := f.config

	f.reporter = events.NewKafkaReporter(f.kafkaProducer, cfg.Kafka.SecurityTopic)
	f.hasher = hashing.NewHasher(cfg.OTP.Pepper)

	f.challengeStore = store.NewChallengeStore(f.redisClient, cfg.OTP.ChallengeRetention)
	f.actionTokenStore = store.NewActionTokenStore(f.redisClient, cfg.ActionToken.Retention)
	f.revocationStore = store.NewRevocationStore(f.redisClient)

	f.sessionManager = token.NewSessionManager(cfg.Session.Secret, cfg.Session.TTL, cfg.Session.Issuer, f.revocationStore)
	f.abuseGuard = guard.NewAbuseGuard(f.redisClient, f.reporter, cfg.RateLimit)

	switch cfg.Delivery.Provider {
	case "twilio":
		f.sender = delivery.NewTwilioSender(cfg.Delivery)
	default:
		f.sender = delivery.NewMailerClient(cfg.Delivery)
	}

	f.ordersClient = orders.NewHTTPClient(cfg.Orders)
	f.backofficeClient = backoffice.NewHTTPClient(cfg.Backoffice)

	f.otpService = service.NewOTPService(
		f.challengeStore,
		f.sessionManager,
		f.hasher,
		f.sender,
		f.ordersClient,
		f.abuseGuard,
		f.reporter,
		cfg.OTP,
		util.Get(),
	)
	f.actionService = service.NewActionTokenService(
		f.actionTokenStore,
		f.ordersClient,
		f.reporter,
		util.Get(),
	)

	util.Info("Components initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("sessions_initialized", f.sessionManager != nil),
		util.Bool("guard_initialized", f.abuseGuard != nil),
	)
}

// runTerminalReaper sweeps consumed, expired, and exhausted challenge
// records. Redis TTLs already bound their lifetime; the reaper keeps
// keyspace scans cheap between TTL expiries.
func (f *Factory) runTerminalReaper() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-f.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			purged, err := f.challengeStore.PurgeTerminal(ctx)
			cancel()
			if err != nil {
				util.Error("Terminal challenge sweep failed", util.ErrorField(err))
				continue
			}
			if purged > 0 {
				util.Info("Terminal challenges purged", util.Int("count", purged))
			}
		}
	}
}

// HealthCheck probes the mandatory dependencies concurrently. Kafka is
// excluded: the service stays up when the incident pipeline is down.
func (f *Factory) HealthCheck(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if f.redisClient == nil {
			return fmt.Errorf("redis client not initialized")
		}
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) OTPService() *service.OTPService {
	return f.otpService
}

func (f *Factory) ActionService() *service.ActionTokenService {
	return f.actionService
}

func (f *Factory) SessionManager() *token.SessionManager {
	return f.sessionManager
}

func (f *Factory) BackofficeClient() backoffice.Client {
	return f.backofficeClient
}
