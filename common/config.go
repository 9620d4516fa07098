package common

import "github.com/spf13/viper"

// ===============================================================================
// Message Bus Related Config

// BusServerConfig defines the websocket listener parameters of the broker
type BusServerConfig struct {
	// ListenOn is the interface the websocket server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the websocket server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// EndpointPath is the URL path serving the websocket handshake
	EndpointPath string `mapstructure:"endpoint_path" json:"endpoint_path" validate:"required"`
}

// BusHeartbeatConfig defines the broker heartbeat sweep parameters
type BusHeartbeatConfig struct {
	// Enabled controls whether the periodic liveness sweep runs
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Interval is the duration between sweeps in seconds
	Interval int `mapstructure:"interval_sec" json:"interval_sec" validate:"gte=1"`
	// IdleTimeout is the max duration in seconds a connection may stay silent
	// before its registry entry is reclaimed
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=1"`
}

// BusConfig defines the message bus broker parameters
type BusConfig struct {
	// Server defines the websocket listener parameters
	Server BusServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Heartbeat defines the liveness sweep parameters
	Heartbeat BusHeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat" validate:"required,dive"`
	// SendBufferLen is the per-client outbound envelope buffer depth
	SendBufferLen int `mapstructure:"send_buffer_len" json:"send_buffer_len" validate:"gte=1"`
	// TaskQueueLen is the broker event loop submission buffer depth
	TaskQueueLen int `mapstructure:"task_queue_len" json:"task_queue_len" validate:"gte=1"`
}

// ===============================================================================
// Connector Related Config

// ConnectorReconnectConfig defines reconnect parameters
type ConnectorReconnectConfig struct {
	// Enabled controls whether the connector retries after an abnormal close
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// MaxAttempts sets the max number of consecutive reconnect attempts
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=0"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// ConnectorConfig defines parameters for one outbound bus connection
type ConnectorConfig struct {
	// ServerURI is the broker websocket URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ClientType is the declared type presented during the handshake
	ClientType string `mapstructure:"client_type" json:"client_type" validate:"required"`
	// Name is the display name presented during the handshake
	Name string `mapstructure:"name" json:"name" validate:"required"`
	// Group is an optional group joined on admission
	Group string `mapstructure:"group,omitempty" json:"group,omitempty"`
	// Channel is an optional channel joined on admission
	Channel string `mapstructure:"channel,omitempty" json:"channel,omitempty"`
	// ConnectTimeout is the max duration for the handshake in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect ConnectorReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Status Server Related Config

// StatusEndpointConfig defines status API endpoint config
type StatusEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the status APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// StatusServerConfig defines configuration for the status API server
type StatusServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the status API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the status API server
	Endpoints StatusEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Bus are the message bus broker config parameters
	Bus *BusConfig `mapstructure:"bus,omitempty" json:"bus,omitempty" validate:"omitempty,dive"`
	// Status are the status API server configs
	Status *StatusServerConfig `mapstructure:"status,omitempty" json:"status,omitempty" validate:"omitempty,dive"`
	// Monitor are the bus monitor connector configs
	Monitor *ConnectorConfig `mapstructure:"monitor,omitempty" json:"monitor,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default bus broker settings
	viper.SetDefault("bus.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("bus.server_config.listen_port", 3000)
	viper.SetDefault("bus.server_config.endpoint_path", "/ws")
	viper.SetDefault("bus.heartbeat.enabled", true)
	viper.SetDefault("bus.heartbeat.interval_sec", 30)
	viper.SetDefault("bus.heartbeat.idle_timeout_sec", 120)
	viper.SetDefault("bus.send_buffer_len", 64)
	viper.SetDefault("bus.task_queue_len", 256)

	// Default status server settings
	viper.SetDefault("status.endpoint_config.path_prefix", "/")
	viper.SetDefault("status.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("status.api_server.server_config.listen_port", 3001)
	viper.SetDefault("status.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("status.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("status.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"status.api_server.logging_config.request_id_header", "Runes-Request-ID",
	)
	viper.SetDefault(
		"status.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default monitor settings
	viper.SetDefault("monitor.server_uri", "ws://127.0.0.1:3000/ws")
	viper.SetDefault("monitor.client_type", "monitor")
	viper.SetDefault("monitor.name", "bus-monitor")
	viper.SetDefault("monitor.connect_timeout_sec", 30)
	viper.SetDefault("monitor.reconnect.enabled", true)
	viper.SetDefault("monitor.reconnect.max_attempts", 5)
	viper.SetDefault("monitor.reconnect.wait_interval_sec", 3)
}
