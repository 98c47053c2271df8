// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for emqx-bench: the
// broker nodes under test, the ACL store, token signing, the workload shape
// and the auxiliary servers.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/turtacn/emqx-bench/pkg/acl"
	"github.com/turtacn/emqx-bench/pkg/auth"
	"github.com/turtacn/emqx-bench/pkg/cluster"
	"github.com/turtacn/emqx-bench/pkg/credential"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "EMQX_BENCH"

// DiscoveryConfig locates broker nodes through a Kubernetes service.
type DiscoveryConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Kubeconfig string `mapstructure:"kubeconfig" yaml:"kubeconfig" json:"kubeconfig"`
	Namespace  string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
	Service    string `mapstructure:"service" yaml:"service" json:"service"`
	PortName   string `mapstructure:"port_name" yaml:"port_name" json:"port_name"`
}

// BrokerConfig describes the cluster under test.
type BrokerConfig struct {
	Nodes     []string        `mapstructure:"nodes" yaml:"nodes" json:"nodes"`
	QoS       int             `mapstructure:"qos" yaml:"qos" json:"qos"`
	KeepAlive time.Duration   `mapstructure:"keepalive" yaml:"keepalive" json:"keepalive"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery" json:"discovery"`
}

// RedisConfig is the ACL store connection.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password  string `mapstructure:"password" yaml:"password" json:"password"`
	DB        int    `mapstructure:"db" yaml:"db" json:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix" json:"key_prefix"`
}

// TokenConfig controls token signing and verification.
type TokenConfig struct {
	PrivateKeyPath string        `mapstructure:"private_key_path" yaml:"private_key_path" json:"private_key_path"`
	PublicKeyPath  string        `mapstructure:"public_key_path" yaml:"public_key_path" json:"public_key_path"`
	Issuer         string        `mapstructure:"issuer" yaml:"issuer" json:"issuer"`
	UserID         int           `mapstructure:"user_id" yaml:"user_id" json:"user_id"`
	TTL            time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
}

// WorkloadConfig shapes the load run.
type WorkloadConfig struct {
	Clients              int           `mapstructure:"clients" yaml:"clients" json:"clients"`
	SpawnRate            float64       `mapstructure:"spawn_rate" yaml:"spawn_rate" json:"spawn_rate"`
	RunTime              time.Duration `mapstructure:"run_time" yaml:"run_time" json:"run_time"`
	MaxMessagesPerClient int           `mapstructure:"max_messages_per_client" yaml:"max_messages_per_client" json:"max_messages_per_client"`
	MessageWait          time.Duration `mapstructure:"message_wait" yaml:"message_wait" json:"message_wait"`
	SubjectPrefix        string        `mapstructure:"subject_prefix" yaml:"subject_prefix" json:"subject_prefix"`
	TopicPrefix          string        `mapstructure:"topic_prefix" yaml:"topic_prefix" json:"topic_prefix"`
	Permission           int           `mapstructure:"permission" yaml:"permission" json:"permission"`
	PayloadSize          int           `mapstructure:"payload_size" yaml:"payload_size" json:"payload_size"`
	Seed                 int64         `mapstructure:"seed" yaml:"seed" json:"seed"`
}

// TimeoutConfig bounds every blocking phase.
type TimeoutConfig struct {
	Connect   time.Duration `mapstructure:"connect" yaml:"connect" json:"connect"`
	Subscribe time.Duration `mapstructure:"subscribe" yaml:"subscribe" json:"subscribe"`
	Receipt   time.Duration `mapstructure:"receipt" yaml:"receipt" json:"receipt"`
	Provision time.Duration `mapstructure:"provision" yaml:"provision" json:"provision"`
}

// MetricsConfig selects where events go.
type MetricsConfig struct {
	Listen        string `mapstructure:"listen" yaml:"listen" json:"listen"`
	JSONLPath     string `mapstructure:"jsonl_path" yaml:"jsonl_path" json:"jsonl_path"`
	PostgresDSN   string `mapstructure:"postgres_dsn" yaml:"postgres_dsn" json:"postgres_dsn"`
	PostgresTable string `mapstructure:"postgres_table" yaml:"postgres_table" json:"postgres_table"`
}

// WebhookConfig configures the authorization webhook.
type WebhookConfig struct {
	Listen       string `mapstructure:"listen" yaml:"listen" json:"listen"`
	VerifyTokens bool   `mapstructure:"verify_tokens" yaml:"verify_tokens" json:"verify_tokens"`
}

// DevBrokerConfig configures the embedded development broker.
type DevBrokerConfig struct {
	Listen string       `mapstructure:"listen" yaml:"listen" json:"listen"`
	Users  []UserConfig `mapstructure:"users" yaml:"users" json:"users"`
}

// UserConfig is a static development broker account.
type UserConfig struct {
	Username     string `mapstructure:"username" yaml:"username" json:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash" json:"password_hash"`
	Algorithm    string `mapstructure:"algorithm" yaml:"algorithm" json:"algorithm"`
	Superuser    bool   `mapstructure:"superuser" yaml:"superuser" json:"superuser"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level" json:"level"`
	Development bool   `mapstructure:"development" yaml:"development" json:"development"`
}

// Config holds the complete configuration.
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker" yaml:"broker" json:"broker"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis" json:"redis"`
	Token     TokenConfig     `mapstructure:"token" yaml:"token" json:"token"`
	Workload  WorkloadConfig  `mapstructure:"workload" yaml:"workload" json:"workload"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Webhook   WebhookConfig   `mapstructure:"webhook" yaml:"webhook" json:"webhook"`
	DevBroker DevBrokerConfig `mapstructure:"devbroker" yaml:"devbroker" json:"devbroker"`
	Log       LogConfig       `mapstructure:"log" yaml:"log" json:"log"`
}

// DefaultConfig returns a default configuration. The broker nodes match a
// local two-node cluster.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Nodes:     []string{"localhost:1883", "localhost:1884"},
			QoS:       0,
			KeepAlive: 60 * time.Second,
			Discovery: DiscoveryConfig{
				Namespace: "default",
				Service:   "emqx-headless",
				PortName:  "mqtt",
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: acl.DefaultKeyPrefix,
		},
		Token: TokenConfig{
			PrivateKeyPath: "config/jwt_private_key.pem",
			PublicKeyPath:  "config/jwt_public_key.pem",
			Issuer:         "server",
			UserID:         0,
			TTL:            time.Hour,
		},
		Workload: WorkloadConfig{
			Clients:              10,
			SpawnRate:            1,
			MaxMessagesPerClient: 20,
			SubjectPrefix:        "loadtest",
			TopicPrefix:          "chat/test-topic",
			Permission:           int(acl.PublishSubscribe),
		},
		Timeouts: TimeoutConfig{
			Connect:   10 * time.Second,
			Subscribe: 5 * time.Second,
			Receipt:   5 * time.Second,
			Provision: acl.DefaultTimeout,
		},
		Metrics: MetricsConfig{
			Listen:        ":9464",
			PostgresTable: "bench_events",
		},
		Webhook: WebhookConfig{
			Listen:       ":8080",
			VerifyTokens: true,
		},
		DevBroker: DevBrokerConfig{
			Listen: ":1883",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"nodes":          "broker.nodes",
	"qos":            "broker.qos",
	"discover":       "broker.discovery.enabled",
	"kubeconfig":     "broker.discovery.kubeconfig",
	"namespace":      "broker.discovery.namespace",
	"service":        "broker.discovery.service",
	"redis":          "redis.addr",
	"private-key":    "token.private_key_path",
	"public-key":     "token.public_key_path",
	"clients":        "workload.clients",
	"spawn-rate":     "workload.spawn_rate",
	"run-time":       "workload.run_time",
	"max-messages":   "workload.max_messages_per_client",
	"message-wait":   "workload.message_wait",
	"payload-size":   "workload.payload_size",
	"seed":           "workload.seed",
	"metrics-listen": "metrics.listen",
	"events":         "metrics.jsonl_path",
	"postgres":       "metrics.postgres_dsn",
	"listen":         "webhook.listen",
	"broker-listen":  "devbroker.listen",
	"log-level":      "log.level",
	"dev":            "log.development",
}

// FlagKey returns the configuration key a flag is bound to.
func FlagKey(flag string) (string, bool) {
	key, ok := flagKeys[flag]
	return key, ok
}

// LoadConfig loads configuration with the precedence defaults, legacy
// environment, file, EMQX_BENCH_* environment, then changed flags. An empty
// path skips the file; flags may be nil.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	if err := applyLegacyEnv(v); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		ext := strings.ToLower(filepath.Ext(configPath))
		switch ext {
		case ".yaml", ".yml", ".json":
		default:
			return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
		}
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.Broker.Nodes = splitNodes(cfg.Broker.Nodes)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("broker.nodes", d.Broker.Nodes)
	v.SetDefault("broker.qos", d.Broker.QoS)
	v.SetDefault("broker.keepalive", d.Broker.KeepAlive)
	v.SetDefault("broker.discovery.enabled", d.Broker.Discovery.Enabled)
	v.SetDefault("broker.discovery.kubeconfig", d.Broker.Discovery.Kubeconfig)
	v.SetDefault("broker.discovery.namespace", d.Broker.Discovery.Namespace)
	v.SetDefault("broker.discovery.service", d.Broker.Discovery.Service)
	v.SetDefault("broker.discovery.port_name", d.Broker.Discovery.PortName)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)

	v.SetDefault("token.private_key_path", d.Token.PrivateKeyPath)
	v.SetDefault("token.public_key_path", d.Token.PublicKeyPath)
	v.SetDefault("token.issuer", d.Token.Issuer)
	v.SetDefault("token.user_id", d.Token.UserID)
	v.SetDefault("token.ttl", d.Token.TTL)

	v.SetDefault("workload.clients", d.Workload.Clients)
	v.SetDefault("workload.spawn_rate", d.Workload.SpawnRate)
	v.SetDefault("workload.run_time", d.Workload.RunTime)
	v.SetDefault("workload.max_messages_per_client", d.Workload.MaxMessagesPerClient)
	v.SetDefault("workload.message_wait", d.Workload.MessageWait)
	v.SetDefault("workload.subject_prefix", d.Workload.SubjectPrefix)
	v.SetDefault("workload.topic_prefix", d.Workload.TopicPrefix)
	v.SetDefault("workload.permission", d.Workload.Permission)
	v.SetDefault("workload.payload_size", d.Workload.PayloadSize)
	v.SetDefault("workload.seed", d.Workload.Seed)

	v.SetDefault("timeouts.connect", d.Timeouts.Connect)
	v.SetDefault("timeouts.subscribe", d.Timeouts.Subscribe)
	v.SetDefault("timeouts.receipt", d.Timeouts.Receipt)
	v.SetDefault("timeouts.provision", d.Timeouts.Provision)

	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.jsonl_path", d.Metrics.JSONLPath)
	v.SetDefault("metrics.postgres_dsn", d.Metrics.PostgresDSN)
	v.SetDefault("metrics.postgres_table", d.Metrics.PostgresTable)

	v.SetDefault("webhook.listen", d.Webhook.Listen)
	v.SetDefault("webhook.verify_tokens", d.Webhook.VerifyTokens)

	v.SetDefault("devbroker.listen", d.DevBroker.Listen)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}

// applyLegacyEnv maps the variable names of the original Locust harness onto
// defaults, so a file or EMQX_BENCH_* variable still wins over them.
func applyLegacyEnv(v *viper.Viper) error {
	host, hasHost := os.LookupEnv("MQTT_HOST")
	port, hasPort := os.LookupEnv("MQTT_PORT")
	worker, hasWorker := os.LookupEnv("MQTT_WORKER_PORT")
	if hasHost || hasPort || hasWorker {
		if !hasHost {
			host = "localhost"
		}
		if !hasPort {
			port = "1883"
		}
		if !hasWorker {
			worker = "1884"
		}
		v.SetDefault("broker.nodes", []string{
			joinHostPort(host, port),
			joinHostPort(host, worker),
		})
	}

	rhost, hasRHost := os.LookupEnv("REDIS_HOST")
	rport, hasRPort := os.LookupEnv("REDIS_PORT")
	if hasRHost || hasRPort {
		if !hasRHost {
			rhost = "localhost"
		}
		if !hasRPort {
			rport = "6379"
		}
		v.SetDefault("redis.addr", joinHostPort(rhost, rport))
	}

	if path, ok := os.LookupEnv("JWT_PRIVATE_KEY_PATH"); ok {
		v.SetDefault("token.private_key_path", path)
	}

	if raw, ok := os.LookupEnv("MAX_MESSAGES_PER_USER"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid MAX_MESSAGES_PER_USER %q: %w", raw, err)
		}
		v.SetDefault("workload.max_messages_per_client", n)
	}

	if raw, ok := os.LookupEnv("MESSAGE_WAIT_TIME"); ok {
		secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Errorf("invalid MESSAGE_WAIT_TIME %q: %w", raw, err)
		}
		v.SetDefault("workload.message_wait", time.Duration(secs*float64(time.Second)))
	}
	return nil
}

func joinHostPort(host, port string) string {
	return strings.TrimSpace(host) + ":" + strings.TrimSpace(port)
}

// splitNodes accepts comma separated entries, as produced by environment
// variables.
func splitNodes(nodes []string) []string {
	var out []string
	for _, n := range nodes {
		for _, part := range strings.Split(n, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// SaveConfig saves configuration to a file.
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if !config.Broker.Discovery.Enabled {
		if len(config.Broker.Nodes) == 0 {
			return fmt.Errorf("broker.nodes cannot be empty unless discovery is enabled")
		}
		if _, err := cluster.ParseEndpoints(config.Broker.Nodes); err != nil {
			return fmt.Errorf("broker.nodes: %w", err)
		}
	} else if config.Broker.Discovery.Service == "" {
		return fmt.Errorf("broker.discovery.service cannot be empty when discovery is enabled")
	}

	if config.Broker.QoS < 0 || config.Broker.QoS > 2 {
		return fmt.Errorf("broker.qos must be 0, 1 or 2, got %d", config.Broker.QoS)
	}
	if !acl.Permission(config.Workload.Permission).Valid() {
		return fmt.Errorf("workload.permission must be between 1 and 3, got %d", config.Workload.Permission)
	}

	w := config.Workload
	if w.Clients < 0 {
		return fmt.Errorf("workload.clients cannot be negative")
	}
	if w.MaxMessagesPerClient < 0 {
		return fmt.Errorf("workload.max_messages_per_client cannot be negative")
	}
	if w.Clients > 0 && w.SpawnRate <= 0 {
		return fmt.Errorf("workload.spawn_rate must be positive")
	}
	if w.RunTime < 0 || w.MessageWait < 0 {
		return fmt.Errorf("workload durations cannot be negative")
	}
	if w.PayloadSize < 0 {
		return fmt.Errorf("workload.payload_size cannot be negative")
	}

	for name, d := range map[string]time.Duration{
		"timeouts.connect":   config.Timeouts.Connect,
		"timeouts.subscribe": config.Timeouts.Subscribe,
		"timeouts.receipt":   config.Timeouts.Receipt,
		"timeouts.provision": config.Timeouts.Provision,
		"token.ttl":          config.Token.TTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	usernames := make(map[string]bool)
	for i, user := range config.DevBroker.Users {
		if user.Username == "" {
			return fmt.Errorf("devbroker user %d: username cannot be empty", i)
		}
		if usernames[user.Username] {
			return fmt.Errorf("duplicate username: %s", user.Username)
		}
		usernames[user.Username] = true

		switch user.Algorithm {
		case "", "plain", "bcrypt":
		default:
			return fmt.Errorf("user %s: unsupported algorithm: %s (supported: plain, bcrypt)", user.Username, user.Algorithm)
		}
	}
	return nil
}

// Endpoints parses the configured broker nodes.
func (c *Config) Endpoints() ([]cluster.Endpoint, error) {
	return cluster.ParseEndpoints(c.Broker.Nodes)
}

// ConfigureAuth fills chain with the authenticators this configuration asks
// for: the credential presence check, the static development users and,
// when verifier is not nil, token verification. The static authenticator is
// returned so callers can resolve superusers.
func (c *Config) ConfigureAuth(chain *auth.AuthChain, verifier *credential.Verifier, logger *zap.Logger) (*auth.StaticAuthenticator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	chain.SetEnabled(true)
	chain.AddAuthenticator(auth.RequireCredentials{})

	users := make([]auth.User, 0, len(c.DevBroker.Users))
	for _, u := range c.DevBroker.Users {
		users = append(users, auth.User{
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Algorithm:    auth.HashAlgorithm(u.Algorithm),
			Superuser:    u.Superuser,
		})
		logger.Info("configured user", zap.String("username", u.Username), zap.Bool("superuser", u.Superuser))
	}
	static, err := auth.NewStaticAuthenticator(users)
	if err != nil {
		return nil, fmt.Errorf("failed to configure users: %w", err)
	}
	chain.AddAuthenticator(static)

	if verifier != nil {
		chain.AddAuthenticator(auth.NewJWTAuthenticator(verifier, logger))
	}
	logger.Info("authentication configured", zap.Int("authenticators", chain.Count()))
	return static, nil
}

// AddUser adds a development broker account, hashing password with
// algorithm.
func (c *Config) AddUser(username, password, algorithm string, superuser bool) error {
	for _, user := range c.DevBroker.Users {
		if user.Username == username {
			return fmt.Errorf("user %s already exists", username)
		}
	}
	hash, err := auth.HashPassword(password, auth.HashAlgorithm(algorithm))
	if err != nil {
		return err
	}
	if algorithm == "" {
		algorithm = string(auth.HashBcrypt)
	}
	c.DevBroker.Users = append(c.DevBroker.Users, UserConfig{
		Username:     username,
		PasswordHash: hash,
		Algorithm:    algorithm,
		Superuser:    superuser,
	})
	return nil
}

// RemoveUser removes a development broker account.
func (c *Config) RemoveUser(username string) error {
	for i, user := range c.DevBroker.Users {
		if user.Username == username {
			c.DevBroker.Users = append(c.DevBroker.Users[:i], c.DevBroker.Users[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("user %s not found", username)
}
