package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full settings surface for both the dispatcher and the
// worker binary; each reads only the sections it needs.
type Config struct {
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" yaml:"dispatcher"`
	Worker     WorkerConfig     `mapstructure:"worker" yaml:"worker"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat" yaml:"heartbeat"`
	Transport  TransportConfig  `mapstructure:"transport" yaml:"transport"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

type DispatcherConfig struct {
	Host    string `mapstructure:"host" yaml:"host"`
	TCPPort int    `mapstructure:"tcp_port" yaml:"tcp_port"`
	UDPPort int    `mapstructure:"udp_port" yaml:"udp_port"`
}

type WorkerConfig struct {
	Host            string `mapstructure:"host" yaml:"host"`
	TCPPortBase     int    `mapstructure:"tcp_port_base" yaml:"tcp_port_base"`
	DispatcherHost  string `mapstructure:"dispatcher_host" yaml:"dispatcher_host"`
	DispatcherTCP   int    `mapstructure:"dispatcher_tcp_port" yaml:"dispatcher_tcp_port"`
	DispatcherUDP   int    `mapstructure:"dispatcher_udp_port" yaml:"dispatcher_udp_port"`
	RegisterRetries int    `mapstructure:"register_retries" yaml:"register_retries"`
}

type HeartbeatConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	LivenessPeriod time.Duration `mapstructure:"liveness_period" yaml:"liveness_period"`
}

type TransportConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	SendTimeout    time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
	RecvTimeout    time.Duration `mapstructure:"recv_timeout" yaml:"recv_timeout"`
	MaxHeaderBytes int64         `mapstructure:"max_header_bytes" yaml:"max_header_bytes"`
}

type StorageConfig struct {
	UploadsDir   string `mapstructure:"uploads_dir" yaml:"uploads_dir"`
	ExtractedDir string `mapstructure:"extracted_dir" yaml:"extracted_dir"`
	ResultsDir   string `mapstructure:"results_dir" yaml:"results_dir"`
	JobsInputDir string `mapstructure:"jobs_input_dir" yaml:"jobs_input_dir"`
	JobsOutDir   string `mapstructure:"jobs_output_dir" yaml:"jobs_output_dir"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type MetricsConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// Load reads a YAML config file (falling back to sane defaults for anything
// unset) with GONZB-style CONVOY_ environment variable overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "convoy.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if path == "convoy.yaml" {
			if _, errEx := os.Stat("convoy.yaml.example"); errEx == nil {
				return nil, fmt.Errorf("configuration file 'convoy.yaml' not found\n\n" +
					"To fix this, run:\n" +
					"  cp convoy.yaml.example convoy.yaml\n" +
					"Then edit it for your deployment.")
			}
		}
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	v := viper.New()

	v.SetDefault("dispatcher.host", "0.0.0.0")
	v.SetDefault("dispatcher.tcp_port", 5055)
	v.SetDefault("dispatcher.udp_port", 5056)

	v.SetDefault("worker.host", "0.0.0.0")
	v.SetDefault("worker.tcp_port_base", 5057)
	v.SetDefault("worker.dispatcher_host", "127.0.0.1")
	v.SetDefault("worker.dispatcher_tcp_port", 5055)
	v.SetDefault("worker.dispatcher_udp_port", 5056)
	v.SetDefault("worker.register_retries", 4)

	v.SetDefault("heartbeat.timeout", "10s")
	v.SetDefault("heartbeat.interval", "2s")
	v.SetDefault("heartbeat.liveness_period", "2s")

	v.SetDefault("transport.connect_timeout", "10s")
	v.SetDefault("transport.send_timeout", "30s")
	v.SetDefault("transport.recv_timeout", "30s")
	v.SetDefault("transport.max_header_bytes", 10*1024*1024)

	v.SetDefault("storage.uploads_dir", "uploads")
	v.SetDefault("storage.extracted_dir", "extracted")
	v.SetDefault("storage.results_dir", "results")
	v.SetDefault("storage.jobs_input_dir", "jobs-input")
	v.SetDefault("storage.jobs_output_dir", "jobs-output")

	v.SetDefault("log.path", "convoy.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)

	v.SetDefault("metrics.port", 9090)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	v.SetEnvPrefix("CONVOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Dispatcher.TCPPort == c.Dispatcher.UDPPort {
		return fmt.Errorf("dispatcher.tcp_port and dispatcher.udp_port must differ")
	}
	if c.Heartbeat.Timeout <= 0 {
		return fmt.Errorf("heartbeat.timeout must be positive")
	}
	if c.Transport.MaxHeaderBytes <= 0 {
		return fmt.Errorf("transport.max_header_bytes must be positive")
	}
	if c.Worker.RegisterRetries <= 0 {
		c.Worker.RegisterRetries = 4
	}
	return nil
}
