// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the flowtrack daemon configuration from HCL (or the
// JSON form of HCL) and converts it into tracker, codec and logger settings.
package config

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level daemon configuration.
type Config struct {
	// Schema version for backward compatibility.
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// Number of hash buckets.
	// @default: 16384
	HashSize int `hcl:"hash_size,optional" json:"hash_size"`
	// Maximum number of confirmed entries.
	// @default: 262144
	MaxEntries int `hcl:"max_entries,optional" json:"max_entries"`
	// Maximum number of unconfirmed entries.
	// @default: 65536
	MaxPending int `hcl:"max_pending,optional" json:"max_pending"`
	// Buckets visited when the table is full.
	// @default: 8
	EarlyDropScan int `hcl:"early_drop_scan,optional" json:"early_drop_scan"`
	// Evict the stalest assured entry when no unassured one is found.
	// @default: false
	EarlyDropAssured bool `hcl:"early_drop_assured,optional" json:"early_drop_assured"`
	// What happens to packets that cannot be tracked.
	// @enum: accept, drop
	// @default: "accept"
	InvalidPolicy string `hcl:"invalid_policy,optional" json:"invalid_policy"`
	// Reaper wake interval.
	// @default: "1s"
	GCInterval string `hcl:"gc_interval,optional" json:"gc_interval"`
	// Event types delivered to subscribers. "expect" selects both
	// expectation events, "all" selects everything.
	// @default: ["new", "destroy", "status", "nat", "expect"]
	Events []string `hcl:"events,optional" json:"events"`
	// Let mid-stream TCP segments create entries.
	// @default: false
	TCPLoose bool `hcl:"tcp_loose,optional" json:"tcp_loose"`

	Timeouts    *TimeoutsConfig    `hcl:"timeouts,block" json:"timeouts,omitempty"`
	Helpers     *HelpersConfig     `hcl:"helpers,block" json:"helpers,omitempty"`
	API         *APIConfig         `hcl:"api,block" json:"api,omitempty"`
	Metrics     *MetricsConfig     `hcl:"metrics,block" json:"metrics,omitempty"`
	DeviceWatch *DeviceWatchConfig `hcl:"device_watch,block" json:"device_watch,omitempty"`
	Queue       *QueueConfig       `hcl:"queue,block" json:"queue,omitempty"`
	Log         *LogConfig         `hcl:"log,block" json:"log,omitempty"`
}

// TimeoutsConfig holds per-state timeouts as duration strings. Empty
// fields keep their default.
type TimeoutsConfig struct {
	TCPSynSent     string `hcl:"tcp_syn_sent,optional" json:"tcp_syn_sent,omitempty"`
	TCPSynRecv     string `hcl:"tcp_syn_recv,optional" json:"tcp_syn_recv,omitempty"`
	TCPEstablished string `hcl:"tcp_established,optional" json:"tcp_established,omitempty"`
	TCPFinWait     string `hcl:"tcp_fin_wait,optional" json:"tcp_fin_wait,omitempty"`
	TCPCloseWait   string `hcl:"tcp_close_wait,optional" json:"tcp_close_wait,omitempty"`
	TCPLastAck     string `hcl:"tcp_last_ack,optional" json:"tcp_last_ack,omitempty"`
	TCPTimeWait    string `hcl:"tcp_time_wait,optional" json:"tcp_time_wait,omitempty"`
	TCPClose       string `hcl:"tcp_close,optional" json:"tcp_close,omitempty"`
	UDP            string `hcl:"udp,optional" json:"udp,omitempty"`
	UDPStream      string `hcl:"udp_stream,optional" json:"udp_stream,omitempty"`
	ICMP           string `hcl:"icmp,optional" json:"icmp,omitempty"`
	Generic        string `hcl:"generic,optional" json:"generic,omitempty"`
}

// HelpersConfig enables application layer helpers.
type HelpersConfig struct {
	// Track FTP control sessions on port 21 and expect their data flows.
	// @default: false
	FTP bool `hcl:"ftp,optional" json:"ftp"`
}

// APIConfig configures the administrative HTTP server.
type APIConfig struct {
	// @default: true
	Enabled *bool `hcl:"enabled,optional" json:"enabled,omitempty"`
	// @default: "127.0.0.1:9134"
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
}

// MetricsConfig configures the rate collector behind the stats endpoint.
type MetricsConfig struct {
	// @default: "10s"
	Interval string `hcl:"interval,optional" json:"interval,omitempty"`
}

// DeviceWatchConfig configures cleanup on address removal.
type DeviceWatchConfig struct {
	// @default: false
	Enabled bool `hcl:"enabled,optional" json:"enabled"`
	// Only flush source-NAT entries replying to the removed address.
	// @default: true
	NATOnly *bool `hcl:"nat_only,optional" json:"nat_only,omitempty"`
}

// QueueConfig feeds packets from an NFQUEUE rule through the tracker.
type QueueConfig struct {
	// @default: false
	Enabled bool `hcl:"enabled,optional" json:"enabled"`
	// Queue number given to the NFQUEUE target.
	// @default: 0
	Num int `hcl:"num,optional" json:"num"`
	// Packets the kernel holds before the overflow policy applies.
	// @default: 1024
	MaxLen int `hcl:"max_len,optional" json:"max_len"`
}

// LogConfig configures the logger.
type LogConfig struct {
	// @enum: debug, info, warn, error
	// @default: "info"
	Level string `hcl:"level,optional" json:"level,omitempty"`
	// @default: false
	JSON bool `hcl:"json,optional" json:"json"`
}

// Default returns a fully populated configuration.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func boolPtr(b bool) *bool { return &b }

// applyDefaults fills every unset field.
func (c *Config) applyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.HashSize == 0 {
		c.HashSize = 16384
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = 262144
	}
	if c.MaxPending == 0 {
		c.MaxPending = 65536
	}
	if c.EarlyDropScan == 0 {
		c.EarlyDropScan = 8
	}
	if c.InvalidPolicy == "" {
		c.InvalidPolicy = PolicyAccept
	}
	if c.GCInterval == "" {
		c.GCInterval = "1s"
	}
	if c.Events == nil {
		c.Events = []string{"new", "destroy", "status", "nat", "expect"}
	}
	if c.Timeouts == nil {
		c.Timeouts = &TimeoutsConfig{}
	}
	c.Timeouts.applyDefaults()
	if c.Helpers == nil {
		c.Helpers = &HelpersConfig{}
	}
	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Enabled == nil {
		c.API.Enabled = boolPtr(true)
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:9134"
	}
	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	if c.Metrics.Interval == "" {
		c.Metrics.Interval = "10s"
	}
	if c.DeviceWatch == nil {
		c.DeviceWatch = &DeviceWatchConfig{}
	}
	if c.DeviceWatch.NATOnly == nil {
		c.DeviceWatch.NATOnly = boolPtr(true)
	}
	if c.Queue == nil {
		c.Queue = &QueueConfig{}
	}
	if c.Queue.MaxLen == 0 {
		c.Queue.MaxLen = 1024
	}
	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Invalid packet policies.
const (
	PolicyAccept = "accept"
	PolicyDrop   = "drop"
)
