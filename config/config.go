// Package config loads client settings from a YAML file and turns them
// into pool options.
//
// Durations are written as Go duration strings:
//
//	limit: 8
//	dial_timeout: 5s
//	read_timeout: 30s
//	keep_alive_default: 5m
//	rate_limit: 100
//	rate_burst: 20
//	balancer: least_connections
//	etcd_endpoints: ["127.0.0.1:2379"]
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"go-requests/loadbalance"
	"go-requests/pool"
	"go-requests/resolve"
	"go-requests/transport"
)

// Config mirrors the YAML document.
type Config struct {
	Limit            int      `yaml:"limit"`
	DialTimeout      string   `yaml:"dial_timeout"`
	ReadTimeout      string   `yaml:"read_timeout"`
	WriteTimeout     string   `yaml:"write_timeout"`
	KeepAliveDefault string   `yaml:"keep_alive_default"`
	RateLimit        float64  `yaml:"rate_limit"`
	RateBurst        int      `yaml:"rate_burst"`
	Balancer         string   `yaml:"balancer"`
	EtcdEndpoints    []string `yaml:"etcd_endpoints"`
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// PoolOptions translates the config into pool options. An etcd endpoint
// list switches resolution from DNS to service discovery.
func (c *Config) PoolOptions() ([]pool.Option, error) {
	var opts []pool.Option

	if c.Limit > 0 {
		opts = append(opts, pool.WithLimit(c.Limit))
	}

	dial, err := parseDuration(c.DialTimeout)
	if err != nil {
		return nil, err
	}
	if dial > 0 {
		opts = append(opts, pool.WithDialTimeout(dial))
	}

	read, err := parseDuration(c.ReadTimeout)
	if err != nil {
		return nil, err
	}
	write, err := parseDuration(c.WriteTimeout)
	if err != nil {
		return nil, err
	}
	keepAlive, err := parseDuration(c.KeepAliveDefault)
	if err != nil {
		return nil, err
	}
	if read > 0 || write > 0 || keepAlive > 0 {
		opts = append(opts, pool.WithConnConfig(transport.Config{
			ReadTimeout:      read,
			WriteTimeout:     write,
			KeepAliveDefault: keepAlive,
		}))
	}

	if c.RateLimit > 0 {
		burst := c.RateBurst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, pool.WithRateLimit(c.RateLimit, burst))
	}

	switch c.Balancer {
	case "", "least_connections":
		// pool default
	case "round_robin":
		opts = append(opts, pool.WithBalancer(&loadbalance.RoundRobin{}))
	case "weighted_random":
		opts = append(opts, pool.WithBalancer(&loadbalance.WeightedRandom{}))
	default:
		return nil, fmt.Errorf("unknown balancer %q", c.Balancer)
	}

	if len(c.EtcdEndpoints) > 0 {
		r, err := resolve.NewEtcd(c.EtcdEndpoints)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pool.WithResolver(r))
	}

	return opts, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q: %w", s, err)
	}
	return d, nil
}
