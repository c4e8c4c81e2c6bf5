package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigPath is where cmd/bridge looks for its configuration when no
// -config flag is given.
const DefaultConfigPath = "config/bridge.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the bridge's startup configuration.
type Config struct {
	Serial   SerialConfig   `json:"serial"`
	Wireless WirelessConfig `json:"wireless"`
	Bus      BusConfig      `json:"bus"`
	Course   CourseConfig   `json:"course"`
	Journal  JournalConfig  `json:"journal"`
	Admin    AdminConfig    `json:"admin"`
}

// SerialConfig describes the motor controller port.
type SerialConfig struct {
	Port          string `json:"port"`
	BaudRate      int    `json:"baud_rate"`
	DataBits      int    `json:"data_bits"`
	StopBits      int    `json:"stop_bits"`
	Parity        string `json:"parity"`
	RetryInterval string `json:"retry_interval"` // "0s" retries immediately
}

// Wireless transports.
const (
	TransportRFCOMM = "rfcomm"
	TransportTCP    = "tcp"
)

// DefaultAllowedPeer is the handheld client's Bluetooth address.
const DefaultAllowedPeer = "90:EE:C7:E7:D3:C2"

type WirelessConfig struct {
	Transport      string `json:"transport"`
	Channel        uint8  `json:"channel"`
	TCPAddress     string `json:"tcp_address"`
	// AllowedPeer is the one client address admitted. It may not be empty.
	AllowedPeer    string `json:"allowed_peer"`
	ReadBufferSize int    `json:"read_buffer_size"`
}

// Bus backends.
const (
	BackendMQTT  = "mqtt"
	BackendRedis = "redis"
)

type BusConfig struct {
	Backend  string `json:"backend"`
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`

	// MQTT only.
	ClientID  string `json:"client_id"`
	KeepAlive string `json:"keep_alive"`
	QoS       int    `json:"qos"`

	// Redis only.
	DB int `json:"db"`

	PlanResultChannel         string `json:"plan_result_channel"`
	RecognitionResultChannel  string `json:"recognition_result_channel"`
	CameraReadyChannel        string `json:"camera_ready_channel"`
	PlannerRequestChannel     string `json:"planner_request_channel"`
	RecognitionRequestChannel string `json:"recognition_request_channel"`
	CameraRequestChannel      string `json:"camera_request_channel"`

	// RelayRecognition forwards camera-ready payloads to the recognition
	// service. The camera service normally does this itself.
	RelayRecognition bool   `json:"relay_recognition"`
	PublishTimeout   string `json:"publish_timeout"`
}

type CourseConfig struct {
	SettleDelay string `json:"settle_delay"`
	GracePeriod string `json:"grace_period"`
}

type JournalConfig struct {
	Path     string `json:"path"`
	Disabled bool   `json:"disabled"`
}

type AdminConfig struct {
	Listen string `json:"listen"`
}

// Default returns the configuration used for any field a file omits.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:          "/dev/ttyUSB0",
			BaudRate:      115200,
			DataBits:      8,
			StopBits:      1,
			Parity:        "N",
			RetryInterval: "250ms",
		},
		Wireless: WirelessConfig{
			Transport:      TransportRFCOMM,
			Channel:        1,
			TCPAddress:     "127.0.0.1:7001",
			AllowedPeer:    DefaultAllowedPeer,
			ReadBufferSize: 30,
		},
		Bus: BusConfig{
			Backend:                   BackendMQTT,
			Address:                   "localhost:1883",
			ClientID:                  "RPi_Client",
			KeepAlive:                 "10s",
			QoS:                       1,
			PlanResultChannel:         "path_data",
			RecognitionResultChannel:  "detected_target",
			CameraReadyChannel:        "picture_taken",
			PlannerRequestChannel:     "run_algo",
			RecognitionRequestChannel: "run_recognition",
			CameraRequestChannel:      "take_picture",
			PublishTimeout:            "2s",
		},
		Course: CourseConfig{
			SettleDelay: "1s",
			GracePeriod: "3s",
		},
		Journal: JournalConfig{
			Path: "bridge.db",
		},
		Admin: AdminConfig{
			Listen: "127.0.0.1:8090",
		},
	}
}

// Load reads a JSON config file. Fields omitted from the file keep their
// Default values, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port must be set")
	}
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive, got %d", c.Serial.BaudRate)
	}
	if c.Serial.DataBits < 5 || c.Serial.DataBits > 8 {
		return fmt.Errorf("serial.data_bits must be 5-8, got %d", c.Serial.DataBits)
	}
	if c.Serial.StopBits != 1 && c.Serial.StopBits != 2 {
		return fmt.Errorf("serial.stop_bits must be 1 or 2, got %d", c.Serial.StopBits)
	}
	switch strings.ToUpper(c.Serial.Parity) {
	case "N", "E", "O", "NONE", "EVEN", "ODD":
	default:
		return fmt.Errorf("serial.parity must be N, E or O, got %q", c.Serial.Parity)
	}

	switch c.Wireless.Transport {
	case TransportRFCOMM:
		if c.Wireless.Channel < 1 || c.Wireless.Channel > 30 {
			return fmt.Errorf("wireless.channel must be 1-30, got %d", c.Wireless.Channel)
		}
	case TransportTCP:
		if c.Wireless.TCPAddress == "" {
			return fmt.Errorf("wireless.tcp_address must be set for the tcp transport")
		}
	default:
		return fmt.Errorf("wireless.transport must be %q or %q, got %q", TransportRFCOMM, TransportTCP, c.Wireless.Transport)
	}
	if c.Wireless.AllowedPeer == "" {
		return fmt.Errorf("wireless.allowed_peer must be set")
	}
	if c.Wireless.ReadBufferSize <= 0 {
		return fmt.Errorf("wireless.read_buffer_size must be positive, got %d", c.Wireless.ReadBufferSize)
	}

	switch c.Bus.Backend {
	case BackendMQTT:
		if c.Bus.QoS < 0 || c.Bus.QoS > 2 {
			return fmt.Errorf("bus.qos must be 0-2, got %d", c.Bus.QoS)
		}
	case BackendRedis:
	default:
		return fmt.Errorf("bus.backend must be %q or %q, got %q", BackendMQTT, BackendRedis, c.Bus.Backend)
	}
	if c.Bus.Address == "" {
		return fmt.Errorf("bus.address must be set")
	}
	channels := map[string]string{
		"plan_result_channel":         c.Bus.PlanResultChannel,
		"recognition_result_channel":  c.Bus.RecognitionResultChannel,
		"camera_ready_channel":        c.Bus.CameraReadyChannel,
		"planner_request_channel":     c.Bus.PlannerRequestChannel,
		"recognition_request_channel": c.Bus.RecognitionRequestChannel,
		"camera_request_channel":      c.Bus.CameraRequestChannel,
	}
	for name, ch := range channels {
		if ch == "" {
			return fmt.Errorf("bus.%s must be set", name)
		}
	}

	durations := []struct {
		name, value string
	}{
		{"serial.retry_interval", c.Serial.RetryInterval},
		{"bus.publish_timeout", c.Bus.PublishTimeout},
		{"bus.keep_alive", c.Bus.KeepAlive},
		{"course.settle_delay", c.Course.SettleDelay},
		{"course.grace_period", c.Course.GracePeriod},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, d.value, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, d.value)
		}
	}

	if !c.Journal.Disabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path must be set unless the journal is disabled")
	}
	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// GetRetryInterval returns the pause between serial open attempts.
func (c *Config) GetRetryInterval() time.Duration {
	return parseDuration(c.Serial.RetryInterval, 250*time.Millisecond)
}

// GetPublishTimeout returns how long a wait-for-ack publish may block.
func (c *Config) GetPublishTimeout() time.Duration {
	return parseDuration(c.Bus.PublishTimeout, 2*time.Second)
}

// GetKeepAlive returns the MQTT keep-alive interval.
func (c *Config) GetKeepAlive() time.Duration {
	return parseDuration(c.Bus.KeepAlive, 10*time.Second)
}

// GetSettleDelay returns the pause between consecutive program steps.
func (c *Config) GetSettleDelay() time.Duration {
	return parseDuration(c.Course.SettleDelay, time.Second)
}

// GetGracePeriod returns the wait between bus disconnect and release at
// shutdown.
func (c *Config) GetGracePeriod() time.Duration {
	return parseDuration(c.Course.GracePeriod, 3*time.Second)
}
