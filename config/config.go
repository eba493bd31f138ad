package config

import (
	logger "github.com/Bparsons0904/goLogger"

	"github.com/spf13/viper"
)

type Config struct {
	GeneralVersion     string `mapstructure:"GENERAL_VERSION"`
	Environment        string `mapstructure:"ENVIRONMENT"`
	HealthPort         int    `mapstructure:"HEALTH_PORT"`
	AmqpConnection     string `mapstructure:"AMQP_CONNECTION"`
	DiscogsRoot        string `mapstructure:"DISCOGS_ROOT"`
	PeriodicCheckDays  int    `mapstructure:"PERIODIC_CHECK_DAYS"`
	ForceReprocess     bool   `mapstructure:"FORCE_REPROCESS"`
	MaxWorkers         int    `mapstructure:"MAX_WORKERS"`
	QueueFullPolicy    string `mapstructure:"QUEUE_FULL_POLICY"`
	Neo4jAddress       string `mapstructure:"NEO4J_ADDRESS"`
	Neo4jUsername      string `mapstructure:"NEO4J_USERNAME"`
	Neo4jPassword      string `mapstructure:"NEO4J_PASSWORD"`
	Neo4jBatchSize     int    `mapstructure:"NEO4J_BATCH_SIZE"`
	PostgresHost       string `mapstructure:"POSTGRES_HOST"`
	PostgresPort       int    `mapstructure:"POSTGRES_PORT"`
	PostgresUser       string `mapstructure:"POSTGRES_USER"`
	PostgresPassword   string `mapstructure:"POSTGRES_PASSWORD"`
	PostgresDatabase   string `mapstructure:"POSTGRES_DATABASE"`
	PostgresBatchSize  int    `mapstructure:"POSTGRES_BATCH_SIZE"`
	EventsCacheAddress string `mapstructure:"EVENTS_CACHE_ADDRESS"`
	EventsCachePort    int    `mapstructure:"EVENTS_CACHE_PORT"`
	CleanupKeepVersions int   `mapstructure:"CLEANUP_KEEP_VERSIONS"`
	SchedulerEnabled   bool   `mapstructure:"SCHEDULER_ENABLED"`
}

// Behavior when the extractor's record queue stays full past the enqueue
// timeout.
const (
	QueuePolicyDrop  = "drop"
	QueuePolicyBlock = "block"
	QueuePolicyFail  = "fail"
)

var ConfigInstance Config

func New() (Config, error) {
	log := logger.New("config").Function("New")
	log.Info("Initializing config")

	// Enable automatic environment variable reading first
	viper.AutomaticEnv()

	// Bind environment variables to config keys
	envVars := []string{
		"GENERAL_VERSION", "ENVIRONMENT", "HEALTH_PORT",
		"AMQP_CONNECTION", "DISCOGS_ROOT", "PERIODIC_CHECK_DAYS", "FORCE_REPROCESS",
		"MAX_WORKERS", "QUEUE_FULL_POLICY",
		"NEO4J_ADDRESS", "NEO4J_USERNAME", "NEO4J_PASSWORD", "NEO4J_BATCH_SIZE",
		"POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_USER", "POSTGRES_PASSWORD",
		"POSTGRES_DATABASE", "POSTGRES_BATCH_SIZE",
		"EVENTS_CACHE_ADDRESS", "EVENTS_CACHE_PORT",
		"CLEANUP_KEEP_VERSIONS", "SCHEDULER_ENABLED",
	}

	for _, env := range envVars {
		if err := viper.BindEnv(env); err != nil {
			log.Warn("Failed to bind environment variable", "env", env, "error", err)
		}
	}

	// Check if key environment variables are already set
	envVarsSet := viper.IsSet("AMQP_CONNECTION") && viper.IsSet("DISCOGS_ROOT")

	if envVarsSet {
		log.Info("Environment variables detected, skipping file loading")
	} else {
		log.Info("Environment variables not found, attempting to load from files")

		// Load base .env file
		viper.SetConfigFile(".env")
		viper.SetConfigType("env")

		if err := viper.ReadInConfig(); err != nil {
			log.Warn("Could not find .env file", "error", err)
		} else {
			log.Info("Loaded .env file")
		}

		// Load .env.local overrides if it exists
		viper.SetConfigFile(".env.local")
		if err := viper.MergeInConfig(); err != nil {
			log.Debug("No .env.local file found", "error", err)
		} else {
			log.Info("Loaded .env.local overrides")
		}
	}

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return Config{}, log.Err("Fatal error: could not unmarshal config", err)
	}

	log.Info("Successfully initialized config", "config", config)
	err := validateConfig(config, log)
	if err != nil {
		return Config{}, err
	}
	return ConfigInstance, nil
}

func setDefaults() {
	viper.SetDefault("HEALTH_PORT", 8000)
	viper.SetDefault("DISCOGS_ROOT", "/discogs-data")
	viper.SetDefault("PERIODIC_CHECK_DAYS", 15)
	viper.SetDefault("MAX_WORKERS", 4)
	viper.SetDefault("QUEUE_FULL_POLICY", "drop")
	viper.SetDefault("NEO4J_BATCH_SIZE", 100)
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_BATCH_SIZE", 100)
	viper.SetDefault("CLEANUP_KEEP_VERSIONS", 1)
}

func GetConfig() Config {
	return ConfigInstance
}

func validateConfig(config Config, log logger.Logger) error {
	if config.AmqpConnection == "" {
		return log.ErrMsg("Fatal error: AMQP_CONNECTION is required")
	}

	if config.HealthPort <= 0 {
		return log.Error(
			"Fatal error: invalid health port",
			"port", config.HealthPort,
		)
	}

	if config.PeriodicCheckDays <= 0 {
		return log.Error(
			"Fatal error: invalid periodic check days",
			"days", config.PeriodicCheckDays,
		)
	}

	if config.MaxWorkers <= 0 {
		return log.Error(
			"Fatal error: invalid max workers",
			"maxWorkers", config.MaxWorkers,
		)
	}

	switch config.QueueFullPolicy {
	case QueuePolicyDrop, QueuePolicyBlock, QueuePolicyFail:
	default:
		return log.Error(
			"Fatal error: invalid queue full policy",
			"policy", config.QueueFullPolicy,
			"expected", "drop | block | fail",
		)
	}

	if config.Neo4jBatchSize <= 0 || config.PostgresBatchSize <= 0 {
		return log.Error(
			"Fatal error: batch sizes must be positive",
			"neo4jBatchSize", config.Neo4jBatchSize,
			"postgresBatchSize", config.PostgresBatchSize,
		)
	}

	ConfigInstance = config
	return nil
}
