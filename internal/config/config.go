package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Supervisor SupervisorConfig
	Memory     MemoryConfig
}

type ServerConfig struct {
	Port string
	Host string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type SupervisorConfig struct {
	PhaseTimeout        time.Duration
	ShutdownGracePeriod time.Duration
	DependencyTimeout   time.Duration
	MaxRestartAttempts  int
	RestartCooldown     time.Duration
	RecoveryQueueSize   int
	ReportDir           string
}

type MemoryConfig struct {
	SampleInterval        time.Duration
	ProcessLimitMB        float64
	WarningThresholdPct   float64
	CriticalThresholdPct  float64
	EmergencyThresholdPct float64
	HistorySize           int
	LeakWindowSize        int
	DiagnosticsEnabled    bool
	SnapshotDir           string
	MaxSnapshots          int
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Host: getEnv("HOST", "localhost"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "worrybox"),
			Password: getEnv("DB_PASSWORD", "worrybox123"),
			DBName:   getEnv("DB_NAME", "worrybox"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Supervisor: SupervisorConfig{
			PhaseTimeout:        getEnvAsDuration("SUPERVISOR_PHASE_TIMEOUT", 30*time.Second),
			ShutdownGracePeriod: getEnvAsDuration("SUPERVISOR_GRACE_PERIOD", 30*time.Second),
			DependencyTimeout:   getEnvAsDuration("SUPERVISOR_DEPENDENCY_TIMEOUT", 15*time.Second),
			MaxRestartAttempts:  getEnvAsInt("SUPERVISOR_MAX_RESTART_ATTEMPTS", 3),
			RestartCooldown:     getEnvAsDuration("SUPERVISOR_RESTART_COOLDOWN", 1*time.Minute),
			RecoveryQueueSize:   getEnvAsInt("SUPERVISOR_RECOVERY_QUEUE_SIZE", 32),
			ReportDir:           getEnv("SUPERVISOR_REPORT_DIR", "reports"),
		},
		Memory: MemoryConfig{
			SampleInterval:        getEnvAsDuration("MEMORY_SAMPLE_INTERVAL", 30*time.Second),
			ProcessLimitMB:        getEnvAsFloat("MEMORY_PROCESS_LIMIT_MB", 512),
			WarningThresholdPct:   getEnvAsFloat("MEMORY_WARNING_PCT", 70),
			CriticalThresholdPct:  getEnvAsFloat("MEMORY_CRITICAL_PCT", 85),
			EmergencyThresholdPct: getEnvAsFloat("MEMORY_EMERGENCY_PCT", 95),
			HistorySize:           getEnvAsInt("MEMORY_HISTORY_SIZE", 1000),
			LeakWindowSize:        getEnvAsInt("MEMORY_LEAK_WINDOW_SIZE", 10),
			DiagnosticsEnabled:    getEnvAsBool("MEMORY_DIAGNOSTICS_ENABLED", false),
			SnapshotDir:           getEnv("MEMORY_SNAPSHOT_DIR", "snapshots"),
			MaxSnapshots:          getEnvAsInt("MEMORY_MAX_SNAPSHOTS", 5),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func (c *Config) DatabaseURL() string {
	// If DATABASE_URL is set, use it directly
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		return databaseURL
	}

	// Otherwise, construct from individual components
	return "postgres://" + c.Database.User + ":" + c.Database.Password +
		"@" + c.Database.Host + ":" + c.Database.Port +
		"/" + c.Database.DBName + "?sslmode=" + c.Database.SSLMode
}
