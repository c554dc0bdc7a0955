package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "carla_env.cfg.json"

// ServerConfig holds simulator launch and connection settings
type ServerConfig struct {
	Executable     string        `json:"executable" mapstructure:"executable"`
	RenderMode     string        `json:"renderMode" mapstructure:"renderMode"`
	WindowX        int           `json:"windowX" mapstructure:"windowX"`
	WindowY        int           `json:"windowY" mapstructure:"windowY"`
	Map            string        `json:"map" mapstructure:"map"`
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	PortRangeMin   int           `json:"portRangeMin" mapstructure:"portRangeMin"`
	PortRangeMax   int           `json:"portRangeMax" mapstructure:"portRangeMax"`
	TrafficManager bool          `json:"trafficManager" mapstructure:"trafficManager"`
	TickSeconds    float64       `json:"tickSeconds" mapstructure:"tickSeconds"`
	StartupGrace   time.Duration `json:"startupGrace" mapstructure:"startupGrace"`
	KillGrace      time.Duration `json:"killGrace" mapstructure:"killGrace"`
	ConnectTimeout time.Duration `json:"connectTimeout" mapstructure:"connectTimeout"`
	ConnectRetries int           `json:"connectRetries" mapstructure:"connectRetries"`
	RetryBackoff   time.Duration `json:"retryBackoff" mapstructure:"retryBackoff"`
	MaxBackoff     time.Duration `json:"maxBackoff" mapstructure:"maxBackoff"`
}

// EnvConfig holds episode settings
type EnvConfig struct {
	Vehicle             string  `json:"vehicle" mapstructure:"vehicle"`
	MaxSteps            int     `json:"maxSteps" mapstructure:"maxSteps"`
	TargetVelocity      float64 `json:"targetVelocity" mapstructure:"targetVelocity"`
	LaneHalfWidth       float64 `json:"laneHalfWidth" mapstructure:"laneHalfWidth"`
	LaneChangeDirection int     `json:"laneChangeDirection" mapstructure:"laneChangeDirection"`
	Autopilot           bool    `json:"autopilot" mapstructure:"autopilot"`
	PrimingTicks        int     `json:"primingTicks" mapstructure:"primingTicks"`
	Seed                int64   `json:"seed" mapstructure:"seed"`
	SensorConfig        string  `json:"sensorConfig" mapstructure:"sensorConfig"`
	Weather             string  `json:"weather" mapstructure:"weather"`
}

// MemoryConfig holds in-memory/JSON storage backend settings
type MemoryConfig struct {
	OutputDir      string `json:"outputDir" mapstructure:"outputDir"`
	CompressOutput bool   `json:"compressOutput" mapstructure:"compressOutput"`
	WriteImages    bool   `json:"writeImages" mapstructure:"writeImages"`
}

// SQLiteConfig holds SQLite storage backend settings
type SQLiteConfig struct {
	Path         string        `json:"path" mapstructure:"path"`
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
}

// WebSocketConfig holds streaming storage backend settings
type WebSocketConfig struct {
	URL    string `json:"url" mapstructure:"url"`
	Secret string `json:"secret" mapstructure:"secret"`
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	Type      string          `json:"type" mapstructure:"type"`
	Memory    MemoryConfig    `json:"memory" mapstructure:"memory"`
	SQLite    SQLiteConfig    `json:"sqlite" mapstructure:"sqlite"`
	WebSocket WebSocketConfig `json:"websocket" mapstructure:"websocket"`
}

// DBConfig holds PostgreSQL connection settings
type DBConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`

	// MetricInterval is how often metrics are written next to the logs.
	MetricInterval time.Duration `json:"metricInterval" mapstructure:"metricInterval"`
}

// InfluxConfig holds InfluxDB settings
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
}

// URL returns the server url built from protocol, host and port.
func (c InfluxConfig) URL() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

// SetDefaults registers the default value of every key.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")
	viper.SetDefault("logsKeep", 20)
	viper.SetDefault("defaultTag", "")

	viper.SetDefault("server.executable", "")
	viper.SetDefault("server.renderMode", "offscreen")
	viper.SetDefault("server.windowX", 800)
	viper.SetDefault("server.windowY", 600)
	viper.SetDefault("server.map", "Town01")
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 0)
	viper.SetDefault("server.portRangeMin", 15000)
	viper.SetDefault("server.portRangeMax", 32000)
	viper.SetDefault("server.trafficManager", true)
	viper.SetDefault("server.tickSeconds", 0.05)
	viper.SetDefault("server.startupGrace", "1s")
	viper.SetDefault("server.killGrace", "5s")
	viper.SetDefault("server.connectTimeout", "10s")
	viper.SetDefault("server.connectRetries", 5)
	viper.SetDefault("server.retryBackoff", "2s")
	viper.SetDefault("server.maxBackoff", "30s")

	viper.SetDefault("env.vehicle", "vehicle.tesla.model3")
	viper.SetDefault("env.maxSteps", 1000)
	viper.SetDefault("env.targetVelocity", 8.0)
	viper.SetDefault("env.laneHalfWidth", 2.5)
	viper.SetDefault("env.laneChangeDirection", 0)
	viper.SetDefault("env.autopilot", false)
	viper.SetDefault("env.primingTicks", 10)
	viper.SetDefault("env.seed", 0)
	viper.SetDefault("env.sensorConfig", "sensors.yaml")
	viper.SetDefault("env.weather", "ClearNoon")

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.memory.outputDir", "./output/observations")
	viper.SetDefault("storage.memory.compressOutput", true)
	viper.SetDefault("storage.memory.writeImages", true)
	viper.SetDefault("storage.sqlite.path", "./output/carla_env.db")
	viper.SetDefault("storage.sqlite.dumpInterval", "3m")
	viper.SetDefault("storage.websocket.url", "")
	viper.SetDefault("storage.websocket.secret", "")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "carla_env")

	viper.SetDefault("api.serverUrl", "")
	viper.SetDefault("api.apiKey", "")
	viper.SetDefault("api.upload", false)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "carla-env")
	viper.SetDefault("influx.bucket", "carla_env")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "carla-env")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
	viper.SetDefault("otel.metricInterval", "30s")

	viper.SetDefault("monitor.interval", "1s")
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// LoadEnvFile loads <dir>/.env into the process environment. A missing
// file is not an error; variables already set are kept.
func LoadEnvFile(dir string) error {
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error reading env file: %w", err)
	}
	return nil
}

// WatchLogLevel calls fn with the new logLevel whenever the config file
// changes on disk.
func WatchLogLevel(fn func(level string)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		fn(viper.GetString("logLevel"))
	})
	viper.WatchConfig()
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}

// GetServerConfig returns the simulator server settings. An unset
// executable falls back to the launcher under $CARLA_ROOT.
func GetServerConfig() ServerConfig {
	c := ServerConfig{
		Executable:     viper.GetString("server.executable"),
		RenderMode:     viper.GetString("server.renderMode"),
		WindowX:        viper.GetInt("server.windowX"),
		WindowY:        viper.GetInt("server.windowY"),
		Map:            viper.GetString("server.map"),
		Host:           viper.GetString("server.host"),
		Port:           viper.GetInt("server.port"),
		PortRangeMin:   viper.GetInt("server.portRangeMin"),
		PortRangeMax:   viper.GetInt("server.portRangeMax"),
		TrafficManager: viper.GetBool("server.trafficManager"),
		TickSeconds:    viper.GetFloat64("server.tickSeconds"),
		StartupGrace:   viper.GetDuration("server.startupGrace"),
		KillGrace:      viper.GetDuration("server.killGrace"),
		ConnectTimeout: viper.GetDuration("server.connectTimeout"),
		ConnectRetries: viper.GetInt("server.connectRetries"),
		RetryBackoff:   viper.GetDuration("server.retryBackoff"),
		MaxBackoff:     viper.GetDuration("server.maxBackoff"),
	}
	if c.Executable == "" {
		c.Executable = executableFromRoot(os.Getenv("CARLA_ROOT"))
	}
	return c
}

func executableFromRoot(root string) string {
	if root == "" {
		return ""
	}
	name := "CarlaUE4.sh"
	if runtime.GOOS == "windows" {
		name = "CarlaUE4.exe"
	}
	return filepath.Join(root, name)
}

// GetEnvConfig returns the episode settings.
func GetEnvConfig() EnvConfig {
	return EnvConfig{
		Vehicle:             viper.GetString("env.vehicle"),
		MaxSteps:            viper.GetInt("env.maxSteps"),
		TargetVelocity:      viper.GetFloat64("env.targetVelocity"),
		LaneHalfWidth:       viper.GetFloat64("env.laneHalfWidth"),
		LaneChangeDirection: viper.GetInt("env.laneChangeDirection"),
		Autopilot:           viper.GetBool("env.autopilot"),
		PrimingTicks:        viper.GetInt("env.primingTicks"),
		Seed:                viper.GetInt64("env.seed"),
		SensorConfig:        viper.GetString("env.sensorConfig"),
		Weather:             viper.GetString("env.weather"),
	}
}

// GetStorageConfig returns the storage backend settings.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		Memory: MemoryConfig{
			OutputDir:      viper.GetString("storage.memory.outputDir"),
			CompressOutput: viper.GetBool("storage.memory.compressOutput"),
			WriteImages:    viper.GetBool("storage.memory.writeImages"),
		},
		SQLite: SQLiteConfig{
			Path:         viper.GetString("storage.sqlite.path"),
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
		},
		WebSocket: WebSocketConfig{
			URL:    viper.GetString("storage.websocket.url"),
			Secret: viper.GetString("storage.websocket.secret"),
		},
	}
}

// GetDBConfig returns the PostgreSQL connection settings.
func GetDBConfig() DBConfig {
	return DBConfig{
		Host:     viper.GetString("db.host"),
		Port:     viper.GetString("db.port"),
		Username: viper.GetString("db.username"),
		Password: viper.GetString("db.password"),
		Database: viper.GetString("db.database"),
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),

		MetricInterval: viper.GetDuration("otel.metricInterval"),
	}
}

// GetInfluxConfig returns the InfluxDB settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Protocol: viper.GetString("influx.protocol"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}
