package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	mu sync.Mutex `yaml:"-"`

	Namespace   string `yaml:"namespace"`
	Interface   string `yaml:"interface"`
	JournalPath string `yaml:"journal_path"`

	Log       LogConfig       `yaml:"log"`
	Network   NetworkConfig   `yaml:"network"`
	Messaging MessagingConfig `yaml:"messaging"`
	Power     PowerConfig     `yaml:"power"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	Printer   PrinterConfig   `yaml:"printer"`
	Web       WebConfig       `yaml:"web"`
	Redis     RedisConfig     `yaml:"redis"`
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// NetworkConfig defines the wireless link supervisor.
type NetworkConfig struct {
	SSID        string        `yaml:"ssid"`
	Password    string        `yaml:"password"`
	Scan        bool          `yaml:"scan"`
	ScanMax     int           `yaml:"scan_max"`
	Cooldown    time.Duration `yaml:"cooldown"`
	ReadyPoll   time.Duration `yaml:"ready_poll"`
	ConnectWait time.Duration `yaml:"connect_wait"`
	WPACLIPath  string        `yaml:"wpa_cli_path"`
}

// MessagingConfig defines the messaging backend.
type MessagingConfig struct {
	Backend        string        `yaml:"backend"` // "mqtt" or "kafka"
	MQTT           MQTTConfig    `yaml:"mqtt"`
	Kafka          KafkaConfig   `yaml:"kafka"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	MaxRetries     int           `yaml:"max_retries"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

// MQTTConfig defines MQTT broker settings.
type MQTTConfig struct {
	Broker    string        `yaml:"broker"`
	Port      int           `yaml:"port"`
	User      string        `yaml:"user"`
	Password  string        `yaml:"password"`
	KeepAlive time.Duration `yaml:"keep_alive"`
	Timeout   time.Duration `yaml:"timeout"`
}

// KafkaConfig defines Kafka broker settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// PowerConfig holds the sensor source and the hysteresis thresholds. The
// thresholds are calibration values for the board's voltage divider.
type PowerConfig struct {
	SensorPath      string        `yaml:"sensor_path"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
	NormalThreshold uint16        `yaml:"normal_threshold"`
	LossThreshold   uint16        `yaml:"loss_threshold"`
	USBThreshold    uint16        `yaml:"usb_threshold"`
}

// ShutdownConfig defines what happens after power is lost.
type ShutdownConfig struct {
	Grace   time.Duration `yaml:"grace"`
	Command []string      `yaml:"command"`

	// Optional shutdown switch on a second ADC input.
	SwitchPath      string        `yaml:"switch_path"`
	SwitchInterval  time.Duration `yaml:"switch_interval"`
	SwitchThreshold uint16        `yaml:"switch_threshold"`
}

// PrinterConfig defines the printer transport and page layout.
type PrinterConfig struct {
	Transport     string        `yaml:"transport"` // "serial" or "tcp"
	Device        string        `yaml:"device"`
	Address       string        `yaml:"address"`
	GatePath      string        `yaml:"gate_path"`
	GateActiveLow bool          `yaml:"gate_active_low"`
	GatePoll      time.Duration `yaml:"gate_poll"`
	LineWidth     int           `yaml:"line_width"`
	TrailerLines  int           `yaml:"trailer_lines"`
	UpsideDown    bool          `yaml:"upside_down"`
	QueueCapacity int           `yaml:"queue_capacity"`
	SelfTest      bool          `yaml:"self_test"`
}

// WebConfig defines the web server settings.
type WebConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	MaxBody       int    `yaml:"max_body"`
	SessionSecret string `yaml:"session_secret"`
}

// RedisConfig enables the optional device-state mirror.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Namespace:   "embedded/scribe",
		Interface:   "wlan0",
		JournalPath: "scribe.db",
		Log: LogConfig{
			Level: "info",
		},
		Network: NetworkConfig{
			Scan:        true,
			ScanMax:     10,
			Cooldown:    5 * time.Second,
			ReadyPoll:   500 * time.Millisecond,
			ConnectWait: 15 * time.Second,
			WPACLIPath:  "wpa_cli",
		},
		Messaging: MessagingConfig{
			Backend:        "mqtt",
			RetryDelay:     5 * time.Second,
			MaxRetries:     5,
			StatusInterval: 5 * time.Second,
			MQTT: MQTTConfig{
				Broker:    "192.168.1.33",
				Port:      1883,
				KeepAlive: 10 * time.Second,
				Timeout:   30 * time.Second,
			},
		},
		Power: PowerConfig{
			SensorPath:      "/sys/bus/iio/devices/iio:device0/in_voltage0_raw",
			SampleInterval:  50 * time.Millisecond,
			NormalThreshold: 700,
			LossThreshold:   1000,
			USBThreshold:    2200,
		},
		Shutdown: ShutdownConfig{
			Grace:           30 * time.Second,
			SwitchInterval:  5 * time.Second,
			SwitchThreshold: 10,
		},
		Printer: PrinterConfig{
			Transport:     "serial",
			Device:        "/dev/ttyS0",
			GatePoll:      5 * time.Millisecond,
			LineWidth:     32,
			TrailerLines:  3,
			UpsideDown:    true,
			QueueCapacity: 8,
		},
		Web: WebConfig{
			Host:    "0.0.0.0",
			Port:    80,
			MaxBody: 512,
		},
		Redis: RedisConfig{
			TTL: time.Minute,
		},
	}
}

// Load reads a YAML config file. If the file doesn't exist, defaults are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the supervisors cannot run with.
func (c *Config) Validate() error {
	p := c.Power
	if p.NormalThreshold >= p.LossThreshold {
		return fmt.Errorf("power: normal_threshold (%d) must be below loss_threshold (%d)", p.NormalThreshold, p.LossThreshold)
	}
	if p.LossThreshold > p.USBThreshold {
		return fmt.Errorf("power: loss_threshold (%d) must not exceed usb_threshold (%d)", p.LossThreshold, p.USBThreshold)
	}
	if p.SampleInterval <= 0 {
		return fmt.Errorf("power: sample_interval must be positive")
	}
	if c.Printer.LineWidth < 1 {
		return fmt.Errorf("printer: line_width must be at least 1")
	}
	if c.Printer.QueueCapacity < 1 {
		return fmt.Errorf("printer: queue_capacity must be at least 1")
	}
	if c.Messaging.MaxRetries < 0 {
		return fmt.Errorf("messaging: max_retries must not be negative")
	}
	switch c.Messaging.Backend {
	case "mqtt", "kafka":
	default:
		return fmt.Errorf("unknown messaging backend: %s", c.Messaging.Backend)
	}
	switch c.Printer.Transport {
	case "serial", "tcp":
	default:
		return fmt.Errorf("unknown printer transport: %s", c.Printer.Transport)
	}
	return nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Lock acquires the config mutex for multi-step mutations.
func (c *Config) Lock() { c.mu.Lock() }

// Unlock releases the config mutex.
func (c *Config) Unlock() { c.mu.Unlock() }
