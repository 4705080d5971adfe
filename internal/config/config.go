package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"crowdgate/internal/model"
)

type Config struct {
	LogLevel string        `json:"log_level" yaml:"log_level" toml:"log_level"`
	Gates    []model.Gate  `json:"gates" yaml:"gates" toml:"gates"`
	Engine   EngineConfig  `json:"engine" yaml:"engine" toml:"engine"`
	API      APIConfig     `json:"api" yaml:"api" toml:"api"`
	Ingest   IngestConfig  `json:"ingest" yaml:"ingest" toml:"ingest"`
	Sources  SourcesConfig `json:"sources" yaml:"sources" toml:"sources"`
	Storage  StorageConfig `json:"storage" yaml:"storage" toml:"storage"`
	Events   EventsConfig  `json:"events" yaml:"events" toml:"events"`
	Alerts   AlertsConfig  `json:"alerts" yaml:"alerts" toml:"alerts"`
	Archive  ArchiveConfig `json:"archive" yaml:"archive" toml:"archive"`
}

type EngineConfig struct {
	RejectReconnect bool     `json:"reject_reconnect" yaml:"reject_reconnect" toml:"reject_reconnect"`
	AlertCooldown   Duration `json:"alert_cooldown" yaml:"alert_cooldown" toml:"alert_cooldown"`
	ErrorDedupe     Duration `json:"error_dedupe" yaml:"error_dedupe" toml:"error_dedupe"`
	EventBuffer     int      `json:"event_buffer" yaml:"event_buffer" toml:"event_buffer"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
	CORS    bool   `json:"cors" yaml:"cors" toml:"cors"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer" toml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest" toml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream" toml:"tcp_stream"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka" toml:"kafka"`
	NATS          NATSIngest      `json:"nats" yaml:"nats" toml:"nats"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers" toml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic" toml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id" toml:"group_id"`
}

type NATSIngest struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	URL     string `json:"url" yaml:"url" toml:"url"`
	Subject string `json:"subject" yaml:"subject" toml:"subject"`
}

type SourcesConfig struct {
	Simulate         bool     `json:"simulate" yaml:"simulate" toml:"simulate"`
	SimulateInterval Duration `json:"simulate_interval" yaml:"simulate_interval" toml:"simulate_interval"`
	SimulateMax      int      `json:"simulate_max" yaml:"simulate_max" toml:"simulate_max"`
	Probe            bool     `json:"probe" yaml:"probe" toml:"probe"`
	ProbeTimeout     Duration `json:"probe_timeout" yaml:"probe_timeout" toml:"probe_timeout"`
	StaleAfter       Duration `json:"stale_after" yaml:"stale_after" toml:"stale_after"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Driver  string `json:"driver" yaml:"driver" toml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn" toml:"dsn"`
}

type EventsConfig struct {
	NATSURL       string `json:"nats_url" yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix" toml:"subject_prefix"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit" toml:"store_limit"`
}

type ArchiveConfig struct {
	Interval Duration `json:"interval" yaml:"interval" toml:"interval"`
	Dir      string   `json:"dir" yaml:"dir" toml:"dir"`
	S3       S3Config `json:"s3" yaml:"s3" toml:"s3"`
}

type S3Config struct {
	Bucket   string `json:"bucket" yaml:"bucket" toml:"bucket"`
	Prefix   string `json:"prefix" yaml:"prefix" toml:"prefix"`
	Region   string `json:"region" yaml:"region" toml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
}

func DefaultGates() []model.Gate {
	return []model.Gate{
		{ID: "A", Name: "Gate A", Position: "top", Capacity: 200, WarningRatio: 0.8},
		{ID: "B", Name: "Gate B", Position: "left-top", Capacity: 300, WarningRatio: 0.8},
		{ID: "C", Name: "Gate C", Position: "right-top", Capacity: 250, WarningRatio: 0.8},
		{ID: "D", Name: "Gate D", Position: "left-bottom", Capacity: 350, WarningRatio: 0.8},
		{ID: "E", Name: "Gate E", Position: "right-bottom", Capacity: 300, WarningRatio: 0.8},
		{ID: "F", Name: "Gate F", Position: "bottom", Capacity: 400, WarningRatio: 0.8},
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Gates:    DefaultGates(),
		Engine: EngineConfig{
			RejectReconnect: false,
			AlertCooldown:   Duration(30 * time.Second),
			ErrorDedupe:     Duration(5 * time.Second),
			EventBuffer:     1024,
		},
		API: APIConfig{Enabled: true, Addr: ":5000", CORS: true},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":5001"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":5002"},
			Kafka:         KafkaConfig{Enabled: false},
			NATS:          NATSIngest{Enabled: false, Subject: "crowdgate.observations.>"},
		},
		Sources: SourcesConfig{
			Simulate:         false,
			SimulateInterval: Duration(500 * time.Millisecond),
			SimulateMax:      50,
			Probe:            true,
			ProbeTimeout:     Duration(5 * time.Second),
			StaleAfter:       Duration(10 * time.Second),
		},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:crowdgate.db?_pragma=busy_timeout(5000)"},
		Events:  EventsConfig{SubjectPrefix: "crowdgate"},
		Alerts:  AlertsConfig{StoreLimit: 1000},
		Archive: ArchiveConfig{Interval: 0, S3: S3Config{Region: "us-east-1", Prefix: "crowdgate/"}},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	// A file that names gates replaces the defaults rather than merging with them.
	cfg.Gates = nil
	var decodeErr error
	switch {
	case strings.EqualFold(filepath.Ext(path), ".toml"):
		_, decodeErr = toml.Decode(trimmed, cfg)
	case looksLikeJSON(trimmed):
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	default:
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if len(cfg.Gates) == 0 {
		cfg.Gates = DefaultGates()
	}
	for i := range cfg.Gates {
		if cfg.Gates[i].WarningRatio == 0 {
			cfg.Gates[i].WarningRatio = 0.8
		}
	}
	if cfg.Engine.EventBuffer <= 0 {
		cfg.Engine.EventBuffer = 1024
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.NATS.Subject == "" {
		cfg.Ingest.NATS.Subject = "crowdgate.observations.>"
	}
	if cfg.Sources.SimulateInterval <= 0 {
		cfg.Sources.SimulateInterval = Duration(500 * time.Millisecond)
	}
	if cfg.Sources.SimulateMax <= 0 {
		cfg.Sources.SimulateMax = 50
	}
	if cfg.Sources.ProbeTimeout <= 0 {
		cfg.Sources.ProbeTimeout = Duration(5 * time.Second)
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "crowdgate"
	}
	if cfg.Archive.S3.Region == "" {
		cfg.Archive.S3.Region = "us-east-1"
	}
}

// Validate checks service wiring. Gate values are validated by the registry
// at startup; only the shape is checked here.
func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.NATS.Enabled && cfg.Ingest.NATS.URL == "" {
		return errors.New("ingest.nats.url required when ingest.nats.enabled is true")
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("storage.driver %q not supported", cfg.Storage.Driver)
		}
	}
	if cfg.Engine.AlertCooldown < 0 || cfg.Engine.ErrorDedupe < 0 {
		return errors.New("engine durations must be >= 0")
	}
	if cfg.Archive.Interval > 0 && cfg.Archive.Dir == "" && cfg.Archive.S3.Bucket == "" {
		return errors.New("archive.interval set but neither archive.dir nor archive.s3.bucket configured")
	}
	return nil
}

// GatesEqual reports whether two gate lists are identical, order included.
func GatesEqual(a, b []model.Gate) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves cfg without a backing file; Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
