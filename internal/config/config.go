package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a service coordinate has no configured address.
var ErrNotFound = errors.New("service coordinate not configured")

// ServiceCoord identifies one replica (shard) of a logical service.
type ServiceCoord struct {
	Name  string
	Shard int
}

func (c ServiceCoord) String() string {
	return c.Name + "," + strconv.Itoa(c.Shard)
}

// Address is a resolved network endpoint.
type Address struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Config maps service coordinates to addresses. Core services are expected
// to run whenever the system is up; other services run on demand. The shard
// number indexes into the address list for a service name.
//
// The tables are loaded once at startup and read-only afterwards; there is
// no dynamic discovery.
type Config struct {
	CoreServices  map[string][]Address `yaml:"core_services"`
	OtherServices map[string][]Address `yaml:"other_services"`
}

// New returns an empty Config with initialized tables, useful in tests.
func New() *Config {
	return &Config{
		CoreServices:  make(map[string][]Address),
		OtherServices: make(map[string][]Address),
	}
}

// Load reads the address configuration from a YAML file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := New()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// GetAddress resolves a service coordinate, checking core services first.
func (c *Config) GetAddress(coord ServiceCoord) (Address, error) {
	if addrs, ok := c.CoreServices[coord.Name]; ok && coord.Shard >= 0 && coord.Shard < len(addrs) {
		return addrs[coord.Shard], nil
	}
	if addrs, ok := c.OtherServices[coord.Name]; ok && coord.Shard >= 0 && coord.Shard < len(addrs) {
		return addrs[coord.Shard], nil
	}
	return Address{}, fmt.Errorf("%w: %s", ErrNotFound, coord)
}

// ShardCount probes shard indices 0, 1, 2, ... until lookup fails and
// returns the count. Meant to run once at startup.
func (c *Config) ShardCount(name string) int {
	n := 0
	for {
		if _, err := c.GetAddress(ServiceCoord{Name: name, Shard: n}); err != nil {
			return n
		}
		n++
	}
}
