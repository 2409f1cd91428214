package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "jobs_db", cfg.Database.Database)
				assert.Equal(t, "jobkit", cfg.RabbitMQ.Exchange)
				assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
				assert.Equal(t, "jobkit", cfg.App.Name)
				assert.Equal(t, "default", cfg.Jobs.DefaultQueue)
				assert.Equal(t, 3, cfg.Jobs.Attempts)
				assert.Equal(t, 2*time.Second, cfg.Jobs.Backoff)
				assert.Equal(t, time.Minute, cfg.Jobs.SweepInterval)
				assert.Equal(t, time.Second, cfg.Jobs.PollInterval)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/missing_database.yaml")
	require.NoError(t, err)

	assert.Equal(t, DriverRabbitMQ, cfg.Jobs.Driver)
	assert.Equal(t, "default", cfg.Jobs.DefaultQueue)
	assert.Equal(t, 30*time.Second, cfg.Jobs.DrainTimeout)
	assert.Equal(t, 100, cfg.Jobs.SweepBatch)
	assert.Equal(t, "jobkit", cfg.Redis.Prefix)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("JOBKIT_DB_PASSWORD", "s3cret")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "jobs_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: "jobkit",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Jobs: JobsConfig{
			Driver:       DriverRabbitMQ,
			DefaultQueue: "default",
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Config)
		wantErr    bool
		errString  string
		brokerOnly bool
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "missing database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "invalid database port",
			mutate:    func(c *Config) { c.Database.Port = 0 },
			wantErr:   true,
			errString: "invalid database port",
		},
		{
			name:      "missing database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "missing default queue",
			mutate:    func(c *Config) { c.Jobs.DefaultQueue = "" },
			wantErr:   true,
			errString: "default_queue is required",
		},
		{
			name:      "negative attempts",
			mutate:    func(c *Config) { c.Jobs.Attempts = -1 },
			wantErr:   true,
			errString: "attempts must not be negative",
		},
		{
			name:      "unknown driver",
			mutate:    func(c *Config) { c.Jobs.Driver = "kafka" },
			wantErr:   true,
			errString: "unknown jobs driver",
		},
		{
			name:       "missing rabbitmq host",
			mutate:     func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:    true,
			errString:  "rabbitmq host is required",
			brokerOnly: true,
		},
		{
			name:       "invalid rabbitmq port",
			mutate:     func(c *Config) { c.RabbitMQ.Port = 99999 },
			wantErr:    true,
			errString:  "invalid rabbitmq port",
			brokerOnly: true,
		},
		{
			name:       "missing exchange",
			mutate:     func(c *Config) { c.RabbitMQ.Exchange = "" },
			wantErr:    true,
			errString:  "rabbitmq exchange is required",
			brokerOnly: true,
		},
		{
			name:       "missing redis addr",
			mutate:     func(c *Config) { c.Redis.Addr = "" },
			wantErr:    true,
			errString:  "redis addr is required",
			brokerOnly: true,
		},
		{
			name: "memory driver skips broker checks",
			mutate: func(c *Config) {
				c.Jobs.Driver = DriverMemory
				c.RabbitMQ = RabbitMQConfig{}
				c.Redis = RedisConfig{}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
			assert.Equal(t, tt.brokerOnly, errors.Is(err, ErrBrokerConfig))
		})
	}
}

func TestConfig_RunnerEnabled(t *testing.T) {
	on, off := true, false

	tests := []struct {
		name        string
		environment string
		flag        *bool
		want        bool
	}{
		{name: "development default", environment: "development", want: true},
		{name: "test default", environment: EnvironmentTest, want: true},
		{name: "production default", environment: EnvironmentProduction, want: false},
		{name: "production forced on", environment: EnvironmentProduction, flag: &on, want: true},
		{name: "development forced off", environment: "development", flag: &off, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{App: AppConfig{Environment: tt.environment}, Jobs: JobsConfig{RunnerEnabled: tt.flag}}
			assert.Equal(t, tt.want, cfg.RunnerEnabled())
		})
	}
}

func TestConfig_ObserverEnabled(t *testing.T) {
	off := false

	assert.True(t, (&Config{}).ObserverEnabled())
	assert.False(t, (&Config{Jobs: JobsConfig{ObserverEnabled: &off}}).ObserverEnabled())
}

func TestConfig_IsTest(t *testing.T) {
	assert.True(t, (&Config{App: AppConfig{Environment: EnvironmentTest}}).IsTest())
	assert.False(t, (&Config{App: AppConfig{Environment: "development"}}).IsTest())
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.NoError(t, err)
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestPortConstants(t *testing.T) {
	assert.Equal(t, 1, MinPort)
	assert.Equal(t, 65535, MaxPort)
}
