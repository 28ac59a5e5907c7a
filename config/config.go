package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the service configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ServiceBus ServiceBusConfig
	NewRelic   NewRelicConfig
	Reconciler ReconcilerConfig
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port    int
	Mode    string // debug, release, test
	APIKeys []string
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds the Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// ServiceBusConfig holds the Azure Service Bus configuration
type ServiceBusConfig struct {
	ConnectionString string
	QueueName        string
}

// NewRelicConfig holds the New Relic configuration
type NewRelicConfig struct {
	AppName    string
	LicenseKey string
	Enabled    bool
}

// ReconcilerConfig holds the control loop configuration
type ReconcilerConfig struct {
	Interval         time.Duration
	Workers          int
	QueueSize        int
	StageSequence    []int
	AdvanceThreshold float64
	UpdateTimeout    time.Duration
	MaxRetries       uint
}

// InitConfig initializes the configuration using Viper
func InitConfig(cfgFile string) error {
	// Set defaults for configuration
	setDefaults()

	// Use config file from the flag if provided
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in common directories with name "config"
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/rollout-service")
		viper.SetConfigName("config")
	}

	// Set environment variable prefix for config overrides
	viper.SetEnvPrefix("ROLLOUT")

	// Enable automatic environment variable binding
	// For example, ROLLOUT_SERVER_PORT will override server.port
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read configuration
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("No config file found, using defaults and environment variables")
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8094)
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("server.apikeys", []string{})

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "rollout")
	viper.SetDefault("database.password", "rollout")
	viper.SetDefault("database.dbname", "rollout_service_db")
	viper.SetDefault("database.sslmode", "disable")

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Service Bus defaults - no default connection string for security
	viper.SetDefault("servicebus.queuename", "rollout-events")

	// New Relic defaults
	viper.SetDefault("newrelic.appname", "Rollout Service Local")
	viper.SetDefault("newrelic.enabled", false)

	// Reconciler defaults
	viper.SetDefault("reconciler.interval", "30s")
	viper.SetDefault("reconciler.workers", 8)
	viper.SetDefault("reconciler.queuesize", 1024)
	viper.SetDefault("reconciler.stagesequence", []int{10, 25, 50, 100})
	viper.SetDefault("reconciler.advancethreshold", 0.9)
	viper.SetDefault("reconciler.updatetimeout", "30m")
	viper.SetDefault("reconciler.maxretries", 3)
}

// Load loads the configuration
func Load() (*Config, error) {
	serverConfig := ServerConfig{
		Port:    viper.GetInt("server.port"),
		Mode:    viper.GetString("server.mode"),
		APIKeys: viper.GetStringSlice("server.apikeys"),
	}

	dbConfig := DatabaseConfig{
		Host:     viper.GetString("database.host"),
		Port:     viper.GetInt("database.port"),
		User:     viper.GetString("database.user"),
		Password: viper.GetString("database.password"),
		DBName:   viper.GetString("database.dbname"),
		SSLMode:  viper.GetString("database.sslmode"),
	}

	redisConfig := RedisConfig{
		Host:     viper.GetString("redis.host"),
		Port:     viper.GetInt("redis.port"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	}

	serviceBusConfig := ServiceBusConfig{
		ConnectionString: viper.GetString("servicebus.connectionstring"),
		QueueName:        viper.GetString("servicebus.queuename"),
	}

	newRelicConfig := NewRelicConfig{
		AppName:    viper.GetString("newrelic.appname"),
		LicenseKey: viper.GetString("newrelic.licensekey"),
		Enabled:    viper.GetBool("newrelic.enabled"),
	}

	reconcilerConfig := ReconcilerConfig{
		Interval:         viper.GetDuration("reconciler.interval"),
		Workers:          viper.GetInt("reconciler.workers"),
		QueueSize:        viper.GetInt("reconciler.queuesize"),
		StageSequence:    viper.GetIntSlice("reconciler.stagesequence"),
		AdvanceThreshold: viper.GetFloat64("reconciler.advancethreshold"),
		UpdateTimeout:    viper.GetDuration("reconciler.updatetimeout"),
		MaxRetries:       viper.GetUint("reconciler.maxretries"),
	}

	return &Config{
		Server:     serverConfig,
		Database:   dbConfig,
		Redis:      redisConfig,
		ServiceBus: serviceBusConfig,
		NewRelic:   newRelicConfig,
		Reconciler: reconcilerConfig,
	}, nil
}
