package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Keysets    KeysetConfig     `yaml:"keysets"`
	Devices    []DeviceConfig   `yaml:"devices"`
	Slots      []SlotConfig     `yaml:"slots"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	MCP        MCPConfig        `yaml:"mcp"`
	Admin      AdminConfig      `yaml:"admin"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Listen     string `yaml:"listen"`
	EnableCORS bool   `yaml:"enable_cors"`
}

// KeysetConfig locates the RedRat keyset database
type KeysetConfig struct {
	Path string `yaml:"path"`
}

// DeviceConfig describes one iTach unit (or a run of units with
// sequential addresses when count > 1)
type DeviceConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	TCPPort  int    `yaml:"tcp_port"`
	Module   int    `yaml:"module"`
	MaxPorts int    `yaml:"max_ports"`
	Count    int    `yaml:"count"`
}

// SlotConfig pins one flat slot index to a connector on a device. When
// the list is empty, slots are assigned sequentially across devices in
// declaration order, port-major.
type SlotConfig struct {
	Slot   int    `yaml:"slot"`
	Host   string `yaml:"host"`
	Module int    `yaml:"module"`
	Port   int    `yaml:"port"`
}

// PrometheusConfig contains metrics endpoint settings
type PrometheusConfig struct {
	Enabled      bool     `yaml:"enabled"`
	AllowedHosts []string `yaml:"allowed_hosts"` // IPs/CIDRs allowed to scrape (empty = allow all)

	allowedNets []*net.IPNet
}

// MQTTConfig contains MQTT publishing settings
type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	IntervalSec int           `yaml:"interval_sec"` // health snapshot publish interval
	TLS         MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig contains TLS settings for the MQTT connection
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// MCPConfig contains Model Context Protocol server settings
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AdminConfig contains operational settings
type AdminConfig struct {
	VersionCheckEnabled  bool `yaml:"version_check_enabled"`
	VersionCheckInterval int  `yaml:"version_check_interval"` // minutes
}

const (
	defaultTCPPort      = 4998
	defaultModule       = 1
	defaultMaxPorts     = 3
	maxSocketsPerDevice = 8 // Unified TCP protocol cap
)

// LoadConfig reads, defaults and validates the YAML configuration.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, wrapErr(KindBadConfig, err, "failed to read config file")
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, wrapErr(KindBadConfig, err, "failed to parse config file")
	}

	// Set defaults if not specified
	if config.Server.Listen == "" {
		config.Server.Listen = ":8080"
	}
	if config.MQTT.Enabled && config.MQTT.TopicPrefix == "" {
		config.MQTT.TopicPrefix = "itachd"
	}
	if config.MQTT.Enabled && config.MQTT.IntervalSec == 0 {
		config.MQTT.IntervalSec = 30
	}
	for i := range config.Devices {
		d := &config.Devices[i]
		if d.Type == "" {
			d.Type = "itach"
		}
		if d.TCPPort == 0 {
			d.TCPPort = defaultTCPPort
		}
		if d.Module == 0 {
			d.Module = defaultModule
		}
		if d.MaxPorts == 0 {
			d.MaxPorts = defaultMaxPorts
		}
		if d.Count == 0 {
			d.Count = 1
		}
	}

	if config.Prometheus.Enabled {
		if err := config.Prometheus.parseAllowedHosts(); err != nil {
			return nil, wrapErr(KindBadConfig, err, "failed to parse prometheus.allowed_hosts")
		}
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if len(c.Devices) == 0 {
		return dispatchErr(KindBadConfig, "no devices configured")
	}
	for i, d := range c.Devices {
		if d.Type != "itach" {
			return dispatchErr(KindBadConfig, "devices[%d]: unsupported type %q", i, d.Type)
		}
		if d.Host == "" {
			return dispatchErr(KindBadConfig, "devices[%d]: host is required", i)
		}
		if d.MaxPorts < 1 || d.MaxPorts >= maxSocketsPerDevice {
			return dispatchErr(KindBadConfig, "devices[%d]: max_ports %d out of range 1..%d", i, d.MaxPorts, maxSocketsPerDevice-1)
		}
		if d.Count > 1 {
			if _, err := finalOctet(d.Host); err != nil {
				return dispatchErr(KindBadConfig, "devices[%d]: count > 1 requires an IPv4 host: %v", i, err)
			}
		}
	}
	seen := make(map[int]bool)
	for i, s := range c.Slots {
		if s.Slot < 1 {
			return dispatchErr(KindBadConfig, "slots[%d]: slot index must be >= 1", i)
		}
		if seen[s.Slot] {
			return dispatchErr(KindBadConfig, "slots[%d]: duplicate slot %d", i, s.Slot)
		}
		seen[s.Slot] = true
		if s.Host == "" || s.Module < 1 || s.Port < 1 {
			return dispatchErr(KindBadConfig, "slots[%d]: host, module and port are required", i)
		}
	}
	return nil
}

// ExpandedDevices resolves count-replication: an entry with count N
// becomes N entries with sequential final-octet host addresses.
func (c *Config) ExpandedDevices() ([]DeviceConfig, error) {
	var out []DeviceConfig
	for _, d := range c.Devices {
		if d.Count <= 1 {
			single := d
			single.Count = 1
			out = append(out, single)
			continue
		}
		base, err := finalOctet(d.Host)
		if err != nil {
			return nil, wrapErr(KindBadConfig, err, "device %s", d.Host)
		}
		prefix := d.Host[:strings.LastIndex(d.Host, ".")+1]
		for n := 0; n < d.Count; n++ {
			octet := base + n
			if octet > 255 {
				return nil, dispatchErr(KindBadConfig, "device %s count %d overflows final octet", d.Host, d.Count)
			}
			rep := d
			rep.Host = prefix + strconv.Itoa(octet)
			rep.Count = 1
			out = append(out, rep)
		}
	}
	return out, nil
}

func finalOctet(host string) (int, error) {
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return 0, fmt.Errorf("%q is not an IPv4 address", host)
	}
	i := strings.LastIndex(host, ".")
	return strconv.Atoi(host[i+1:])
}

// parseAllowedHosts parses the configured scrape allow-list into networks
func (p *PrometheusConfig) parseAllowedHosts() error {
	p.allowedNets = nil
	for _, entry := range p.AllowedHosts {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if strings.Contains(entry, ":") {
				entry += "/128"
			} else {
				entry += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return fmt.Errorf("invalid IP/CIDR %q: %w", entry, err)
		}
		p.allowedNets = append(p.allowedNets, ipNet)
	}
	return nil
}

// HostAllowed reports whether the remote IP may scrape /metrics.
func (p *PrometheusConfig) HostAllowed(remoteAddr string) bool {
	if len(p.allowedNets) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range p.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
