package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0644))
	return dir
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := writeConfig(t, `{
		"logLevel": "debug",
		"server": { "map": "Town04", "port": 2000 },
		"db": { "host": "10.0.0.1", "port": "5433" }
	}`)

	err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "debug", viper.GetString("logLevel"))
	assert.Equal(t, "Town04", viper.GetString("server.map"))
	assert.Equal(t, 2000, viper.GetInt("server.port"))
	assert.Equal(t, "10.0.0.1", viper.GetString("db.host"))
	assert.Equal(t, "5433", viper.GetString("db.port"))
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(writeConfig(t, `{}`)))

	assert.Equal(t, "info", viper.GetString("logLevel"))
	assert.Equal(t, "./logs", viper.GetString("logsDir"))
	assert.Equal(t, "", viper.GetString("api.serverUrl"))
	assert.Equal(t, false, viper.GetBool("api.upload"))
	assert.Equal(t, "localhost", viper.GetString("db.host"))
	assert.Equal(t, "5432", viper.GetString("db.port"))
	assert.Equal(t, "carla_env", viper.GetString("db.database"))
	assert.Equal(t, false, viper.GetBool("graylog.enabled"))
	assert.Equal(t, "localhost:12201", viper.GetString("graylog.address"))
	assert.Equal(t, false, viper.GetBool("influx.enabled"))
	assert.Equal(t, "carla_env", viper.GetString("influx.bucket"))
	assert.Equal(t, time.Second, GetDuration("monitor.interval"))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	err := Load("/nonexistent/path")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestGetString(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testKey", "testValue")
	assert.Equal(t, "testValue", GetString("testKey"))
}

func TestGetInt(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testInt", 42)
	assert.Equal(t, 42, GetInt("testInt"))
}

func TestGetBool(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testBool", true)
	assert.Equal(t, true, GetBool("testBool"))
}

func TestGetServerConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("CARLA_ROOT", "")

	require.NoError(t, Load(writeConfig(t, `{}`)))

	sc := GetServerConfig()
	assert.Equal(t, "", sc.Executable)
	assert.Equal(t, "offscreen", sc.RenderMode)
	assert.Equal(t, 800, sc.WindowX)
	assert.Equal(t, 600, sc.WindowY)
	assert.Equal(t, "Town01", sc.Map)
	assert.Equal(t, "localhost", sc.Host)
	assert.Equal(t, 0, sc.Port)
	assert.Equal(t, 15000, sc.PortRangeMin)
	assert.Equal(t, 32000, sc.PortRangeMax)
	assert.True(t, sc.TrafficManager)
	assert.Equal(t, 0.05, sc.TickSeconds)
	assert.Equal(t, time.Second, sc.StartupGrace)
	assert.Equal(t, 5*time.Second, sc.KillGrace)
	assert.Equal(t, 10*time.Second, sc.ConnectTimeout)
	assert.Equal(t, 5, sc.ConnectRetries)
	assert.Equal(t, 2*time.Second, sc.RetryBackoff)
	assert.Equal(t, 30*time.Second, sc.MaxBackoff)
}

func TestGetServerConfig_CarlaRoot(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("CARLA_ROOT", "/opt/carla")

	require.NoError(t, Load(writeConfig(t, `{}`)))

	want := filepath.Join("/opt/carla", "CarlaUE4.sh")
	if runtime.GOOS == "windows" {
		want = filepath.Join("/opt/carla", "CarlaUE4.exe")
	}
	assert.Equal(t, want, GetServerConfig().Executable)
}

func TestGetServerConfig_ExplicitExecutableWins(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("CARLA_ROOT", "/opt/carla")

	require.NoError(t, Load(writeConfig(t, `{"server": {"executable": "/usr/bin/sim"}}`)))
	assert.Equal(t, "/usr/bin/sim", GetServerConfig().Executable)
}

func TestGetEnvConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(writeConfig(t, `{}`)))

	ec := GetEnvConfig()
	assert.Equal(t, "vehicle.tesla.model3", ec.Vehicle)
	assert.Equal(t, 1000, ec.MaxSteps)
	assert.Equal(t, 8.0, ec.TargetVelocity)
	assert.Equal(t, 2.5, ec.LaneHalfWidth)
	assert.Equal(t, 0, ec.LaneChangeDirection)
	assert.False(t, ec.Autopilot)
	assert.Equal(t, 10, ec.PrimingTicks)
	assert.Equal(t, int64(0), ec.Seed)
	assert.Equal(t, "sensors.yaml", ec.SensorConfig)
	assert.Equal(t, "ClearNoon", ec.Weather)
}

func TestGetEnvConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(writeConfig(t, `{
		"env": { "maxSteps": 200, "autopilot": true, "laneChangeDirection": -1, "seed": 7 }
	}`)))

	ec := GetEnvConfig()
	assert.Equal(t, 200, ec.MaxSteps)
	assert.True(t, ec.Autopilot)
	assert.Equal(t, -1, ec.LaneChangeDirection)
	assert.Equal(t, int64(7), ec.Seed)
}

func TestGetStorageConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(writeConfig(t, `{}`)))

	cfg := GetStorageConfig()
	assert.Equal(t, "memory", cfg.Type)
	assert.Equal(t, "./output/observations", cfg.Memory.OutputDir)
	assert.Equal(t, true, cfg.Memory.CompressOutput)
	assert.Equal(t, true, cfg.Memory.WriteImages)
	assert.Equal(t, 3*time.Minute, cfg.SQLite.DumpInterval)
}

func TestGetStorageConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(writeConfig(t, `{
		"storage": {
			"type": "sqlite",
			"memory": { "outputDir": "/tmp/out", "compressOutput": false },
			"sqlite": { "dumpInterval": "10m" },
			"websocket": { "url": "ws://localhost:5000/ingest", "secret": "s3cret" }
		}
	}`)))

	sc := GetStorageConfig()
	assert.Equal(t, "sqlite", sc.Type)
	assert.Equal(t, "/tmp/out", sc.Memory.OutputDir)
	assert.Equal(t, false, sc.Memory.CompressOutput)
	assert.Equal(t, 10*time.Minute, sc.SQLite.DumpInterval)
	assert.Equal(t, "ws://localhost:5000/ingest", sc.WebSocket.URL)
	assert.Equal(t, "s3cret", sc.WebSocket.Secret)
}

func TestGetOTelConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(writeConfig(t, `{}`)))

	cfg := GetOTelConfig()
	assert.Equal(t, false, cfg.Enabled)
	assert.Equal(t, "carla-env", cfg.ServiceName)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
	assert.Equal(t, "", cfg.Endpoint)
	assert.Equal(t, true, cfg.Insecure)
}

func TestGetOTelConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(writeConfig(t, `{
		"otel": {
			"enabled": true,
			"serviceName": "my-service",
			"batchTimeout": "30s",
			"endpoint": "localhost:4318",
			"insecure": false
		}
	}`)))

	oc := GetOTelConfig()
	assert.Equal(t, true, oc.Enabled)
	assert.Equal(t, "my-service", oc.ServiceName)
	assert.Equal(t, 30*time.Second, oc.BatchTimeout)
	assert.Equal(t, "localhost:4318", oc.Endpoint)
	assert.Equal(t, false, oc.Insecure)
}

func TestGetInfluxConfig(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(writeConfig(t, `{"influx": {"enabled": true, "host": "influx", "protocol": "https"}}`)))

	ic := GetInfluxConfig()
	assert.True(t, ic.Enabled)
	assert.Equal(t, "https://influx:8086", ic.URL())
	assert.Equal(t, "carla-env", ic.Org)
	assert.Equal(t, "carla_env", ic.Bucket)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CARLA_ENV_TEST_ROOT=/from/dotenv\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("CARLA_ENV_TEST_ROOT") })

	require.NoError(t, LoadEnvFile(dir))
	assert.Equal(t, "/from/dotenv", os.Getenv("CARLA_ENV_TEST_ROOT"))
}

func TestLoadEnvFile_Missing(t *testing.T) {
	assert.NoError(t, LoadEnvFile(t.TempDir()))
}
