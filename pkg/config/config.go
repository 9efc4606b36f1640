// Package config holds the node configuration for the norbert server.
package config

// Config is the root configuration structure, loadable from YAML.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Service     ServiceConfig     `yaml:"service"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Request     RequestConfig     `yaml:"request"`
	Admin       AdminConfig       `yaml:"admin"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ServiceConfig names the service in the coordinator, statistics and logs.
type ServiceConfig struct {
	ServiceName string `yaml:"service_name"`
	ClientName  string `yaml:"client_name"`
	NodeID      int32  `yaml:"node_id"`
}

type CoordinatorConfig struct {
	ConnectString    string `yaml:"connect_string"`
	SessionTimeoutMs int    `yaml:"session_timeout_ms"`
}

// RequestConfig sizes the request worker pool and its deadlines.
type RequestConfig struct {
	// RequestTimeoutMs is the queue-deadline horizon: a request still queued
	// past it is shed without executing.
	RequestTimeoutMs int `yaml:"request_timeout_ms"`
	// ResponseGenerationTimeoutMs is the service deadline; <= 0 disables it.
	ResponseGenerationTimeoutMs int `yaml:"response_generation_timeout_ms"`

	CorePoolSize     int `yaml:"core_pool_size"`
	MaxPoolSize      int `yaml:"max_pool_size"`
	KeepAliveSec     int `yaml:"keep_alive_sec"`
	QueueSize        int `yaml:"queue_size"`
	StatisticsWindow int `yaml:"statistics_window_ms"`

	// AvoidPayloadCopy hands handlers a view of the wire payload instead of
	// a defensive copy.
	AvoidPayloadCopy bool `yaml:"avoid_payload_copy"`

	// ShutdownPauseMultiplier scales the coordinator session timeout into a
	// pre-close drain sleep; 0 disables the pause.
	ShutdownPauseMultiplier int `yaml:"shutdown_pause_multiplier"`
}

type AdminConfig struct {
	Port int `yaml:"port"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "info"},
		Service: ServiceConfig{
			ServiceName: "norbert",
			ClientName:  "norbert-client",
			NodeID:      1,
		},
		Coordinator: CoordinatorConfig{
			ConnectString:    "localhost:2181",
			SessionTimeoutMs: 30000,
		},
		Request: RequestConfig{
			RequestTimeoutMs:            5000,
			ResponseGenerationTimeoutMs: -1,
			CorePoolSize:                4,
			MaxPoolSize:                 16,
			KeepAliveSec:                60,
			QueueSize:                   1000,
			StatisticsWindow:            60000,
			ShutdownPauseMultiplier:     1,
		},
		Admin: AdminConfig{Port: 8081},
	}
}
