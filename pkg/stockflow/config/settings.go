package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMySQL  = "mysql"
)

// Settings is the typed engine configuration.
type Settings struct {
	Bus         BusSettings
	DeadLetters StoreSettings
	Idempotency IdempotencySettings
	Inventory   InventorySettings
	Saga        SagaSettings
	Sales       SalesSettings
	Kafka       KafkaSettings
	Telemetry   TelemetrySettings
}

// BusSettings configures the event bus.
type BusSettings struct {
	MaxConcurrency int
	HandlerTimeout time.Duration
	Retry          RetrySettings
	Breaker        BreakerSettings
}

// RetrySettings configures the default handler retry policy.
type RetrySettings struct {
	// Strategy is one of none, fixed, linear, exponential.
	Strategy     string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// BreakerSettings configures the per-handler circuit breakers.
type BreakerSettings struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	Window           time.Duration
}

// StoreSettings selects a storage driver. Path is the SQLite file.
type StoreSettings struct {
	Driver string
	Path   string
}

// IdempotencySettings configures the idempotency gate.
type IdempotencySettings struct {
	Driver          string
	Path            string
	TTL             time.Duration
	CleanupInterval time.Duration
	Redis           RedisSettings
}

// RedisSettings addresses a Redis server.
type RedisSettings struct {
	Addr     string
	Password string
	DB       int
}

// InventorySettings configures the stock allocator.
type InventorySettings struct {
	Driver         string
	DSN            string
	Strategy       string
	ReservationTTL time.Duration
	ReapInterval   time.Duration
}

// SagaSettings configures the saga orchestrator.
type SagaSettings struct {
	Driver      string
	Path        string
	StepTimeout time.Duration
}

// SalesSettings configures the sale handlers.
type SalesSettings struct {
	Currency string
	// Prices maps product ids to unit prices in minor currency units.
	Prices map[string]int64
}

// KafkaSettings configures the optional event bridge.
type KafkaSettings struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// TelemetrySettings toggles OpenTelemetry instrumentation.
type TelemetrySettings struct {
	Metrics bool
	Tracing bool
}

// Defaults returns the settings used for every key a file leaves out.
func Defaults() Settings {
	return Settings{
		Bus: BusSettings{
			MaxConcurrency: 64,
			HandlerTimeout: 30 * time.Second,
			Retry: RetrySettings{
				Strategy:     "exponential",
				MaxAttempts:  3,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       true,
			},
			Breaker: BreakerSettings{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Timeout:          30 * time.Second,
				Window:           60 * time.Second,
			},
		},
		DeadLetters: StoreSettings{Driver: DriverMemory},
		Idempotency: IdempotencySettings{
			Driver:          DriverMemory,
			TTL:             24 * time.Hour,
			CleanupInterval: time.Minute,
			Redis:           RedisSettings{Addr: "localhost:6379"},
		},
		Inventory: InventorySettings{
			Driver:         DriverMemory,
			Strategy:       "fefo",
			ReservationTTL: 15 * time.Minute,
			ReapInterval:   30 * time.Second,
		},
		Saga: SagaSettings{
			Driver:      DriverMemory,
			StepTimeout: 30 * time.Second,
		},
		Sales: SalesSettings{Currency: "USD"},
		Kafka: KafkaSettings{
			Topic:        "stockflow.events",
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Load reads a YAML or JSON file into Settings, filling gaps from Defaults,
// and validates the result.
func Load(path string) (Settings, error) {
	c, err := FromFile(path)
	if err != nil {
		return Settings{}, err
	}
	s := FromConfig(c)
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return s, nil
}

// FromConfig maps a decoded document onto Settings.
func FromConfig(c Config) Settings {
	d := Defaults()

	bus := c.Section("bus")
	retry := bus.Section("retry")
	breaker := bus.Section("breaker")
	dlq := c.Section("dead_letters")
	idem := c.Section("idempotency")
	redis := idem.Section("redis")
	inv := c.Section("inventory")
	sg := c.Section("saga")
	sales := c.Section("sales")
	kafka := c.Section("kafka")
	tel := c.Section("telemetry")

	s := Settings{
		Bus: BusSettings{
			MaxConcurrency: bus.Int("max_concurrency", d.Bus.MaxConcurrency),
			HandlerTimeout: bus.Duration("handler_timeout", d.Bus.HandlerTimeout),
			Retry: RetrySettings{
				Strategy:     retry.String("strategy", d.Bus.Retry.Strategy),
				MaxAttempts:  retry.Int("max_attempts", d.Bus.Retry.MaxAttempts),
				InitialDelay: retry.Duration("initial_delay", d.Bus.Retry.InitialDelay),
				MaxDelay:     retry.Duration("max_delay", d.Bus.Retry.MaxDelay),
				Multiplier:   retry.Float("multiplier", d.Bus.Retry.Multiplier),
				Jitter:       retry.Bool("jitter", d.Bus.Retry.Jitter),
			},
			Breaker: BreakerSettings{
				FailureThreshold: breaker.Int("failure_threshold", d.Bus.Breaker.FailureThreshold),
				SuccessThreshold: breaker.Int("success_threshold", d.Bus.Breaker.SuccessThreshold),
				Timeout:          breaker.Duration("timeout", d.Bus.Breaker.Timeout),
				Window:           breaker.Duration("window", d.Bus.Breaker.Window),
			},
		},
		DeadLetters: StoreSettings{
			Driver: dlq.String("driver", d.DeadLetters.Driver),
			Path:   dlq.String("path", d.DeadLetters.Path),
		},
		Idempotency: IdempotencySettings{
			Driver:          idem.String("driver", d.Idempotency.Driver),
			Path:            idem.String("path", d.Idempotency.Path),
			TTL:             idem.Duration("ttl", d.Idempotency.TTL),
			CleanupInterval: idem.Duration("cleanup_interval", d.Idempotency.CleanupInterval),
			Redis: RedisSettings{
				Addr:     redis.String("addr", d.Idempotency.Redis.Addr),
				Password: redis.String("password", d.Idempotency.Redis.Password),
				DB:       redis.Int("db", d.Idempotency.Redis.DB),
			},
		},
		Inventory: InventorySettings{
			Driver:         inv.String("driver", d.Inventory.Driver),
			DSN:            inv.String("dsn", d.Inventory.DSN),
			Strategy:       inv.String("strategy", d.Inventory.Strategy),
			ReservationTTL: inv.Duration("reservation_ttl", d.Inventory.ReservationTTL),
			ReapInterval:   inv.Duration("reap_interval", d.Inventory.ReapInterval),
		},
		Saga: SagaSettings{
			Driver:      sg.String("driver", d.Saga.Driver),
			Path:        sg.String("path", d.Saga.Path),
			StepTimeout: sg.Duration("step_timeout", d.Saga.StepTimeout),
		},
		Sales: SalesSettings{
			Currency: sales.String("currency", d.Sales.Currency),
		},
		Kafka: KafkaSettings{
			Enabled:      kafka.Bool("enabled", d.Kafka.Enabled),
			Brokers:      kafka.StringSlice("brokers", d.Kafka.Brokers),
			Topic:        kafka.String("topic", d.Kafka.Topic),
			BatchSize:    kafka.Int("batch_size", d.Kafka.BatchSize),
			BatchTimeout: kafka.Duration("batch_timeout", d.Kafka.BatchTimeout),
		},
		Telemetry: TelemetrySettings{
			Metrics: tel.Bool("metrics", d.Telemetry.Metrics),
			Tracing: tel.Bool("tracing", d.Telemetry.Tracing),
		},
	}

	prices := sales.Section("prices")
	if keys := prices.Keys(); len(keys) > 0 {
		s.Sales.Prices = make(map[string]int64, len(keys))
		for _, product := range keys {
			s.Sales.Prices[product] = prices.Int64(product, 0)
		}
	}
	return s
}

// Validate checks drivers and the values each driver needs.
func (s Settings) Validate() error {
	var errs []error
	check := func(section, driver string, allowed ...string) {
		if !slices.Contains(allowed, driver) {
			errs = append(errs, fmt.Errorf("%s: unsupported driver %q", section, driver))
		}
	}

	check("dead_letters", s.DeadLetters.Driver, DriverMemory, DriverSQLite)
	check("idempotency", s.Idempotency.Driver, DriverMemory, DriverSQLite, DriverRedis)
	check("inventory", s.Inventory.Driver, DriverMemory, DriverMySQL)
	check("saga", s.Saga.Driver, DriverMemory, DriverSQLite)

	if s.DeadLetters.Driver == DriverSQLite && s.DeadLetters.Path == "" {
		errs = append(errs, errors.New("dead_letters: path is required for sqlite"))
	}
	if s.Idempotency.Driver == DriverSQLite && s.Idempotency.Path == "" {
		errs = append(errs, errors.New("idempotency: path is required for sqlite"))
	}
	if s.Idempotency.Driver == DriverRedis && s.Idempotency.Redis.Addr == "" {
		errs = append(errs, errors.New("idempotency: redis.addr is required for redis"))
	}
	if s.Inventory.Driver == DriverMySQL && s.Inventory.DSN == "" {
		errs = append(errs, errors.New("inventory: dsn is required for mysql"))
	}
	if s.Saga.Driver == DriverSQLite && s.Saga.Path == "" {
		errs = append(errs, errors.New("saga: path is required for sqlite"))
	}
	if s.Inventory.Strategy != "fefo" && s.Inventory.Strategy != "fifo" {
		errs = append(errs, fmt.Errorf("inventory: unknown strategy %q", s.Inventory.Strategy))
	}
	if s.Inventory.ReservationTTL <= 0 {
		errs = append(errs, errors.New("inventory: reservation_ttl must be positive"))
	}
	if s.Inventory.ReapInterval <= 0 {
		errs = append(errs, errors.New("inventory: reap_interval must be positive"))
	}
	if s.Idempotency.CleanupInterval <= 0 {
		errs = append(errs, errors.New("idempotency: cleanup_interval must be positive"))
	}
	if s.Kafka.Enabled && (len(s.Kafka.Brokers) == 0 || s.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka: brokers and topic are required when enabled"))
	}
	for product, price := range s.Sales.Prices {
		if price <= 0 {
			errs = append(errs, fmt.Errorf("sales: price for %q must be positive", product))
		}
	}
	return errors.Join(errs...)
}
