// Package config handles loading and validating exporter configuration from
// a YAML file: global settings, connection targets and the query list.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Overflow selects what the executor does when the row channel is full.
type Overflow string

const (
	// OverflowDrop retries a few times, then discards the row and counts it.
	OverflowDrop Overflow = "drop"
	// OverflowBlock waits for channel space indefinitely.
	OverflowBlock Overflow = "block"
	// OverflowFail aborts the execution with an error.
	OverflowFail Overflow = "fail"
)

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel            string `yaml:"log_level"`
	LogFormat           string `yaml:"log_format"`
	LogPath             string `yaml:"log_path"`
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	DefaultTimeInterval int    `yaml:"default_time_interval"`
	RetryConnInterval   int    `yaml:"retry_conn_interval"`
	PoolSize            int    `yaml:"pool_size"`
	WorkerCount         int    `yaml:"worker_count"`
	MaxBackoff          int    `yaml:"max_backoff"`
}

// ConnectionConfig describes one database target.
type ConnectionConfig struct {
	DBHost      string            `yaml:"db_host"`
	DBPort      int               `yaml:"db_port"`
	DBName      string            `yaml:"db_name"`
	DBUser      string            `yaml:"db_user"`
	DBPasswd    string            `yaml:"db_passwd"`
	Driver      string            `yaml:"driver"`
	RawDSN      string            `yaml:"dsn"`
	Tags        []string          `yaml:"tags"`
	ExtraLabels map[string]string `yaml:"extra_labels"`
}

// GaugeConfig describes one gauge emitted by a query. Label values are
// either literal strings or positional column references of the form "$N".
type GaugeConfig struct {
	Name        string            `yaml:"name"`
	Desc        string            `yaml:"desc"`
	Col         int               `yaml:"col"`
	ExtraLabels map[string]string `yaml:"extra_labels"`
}

// QueryConfig describes one scheduled query.
type QueryConfig struct {
	Name         string        `yaml:"name"`
	Query        string        `yaml:"query"`
	Params       []any         `yaml:"params"`
	TimeInterval int           `yaml:"time_interval"`
	Timeout      int           `yaml:"timeout"`
	MaxRows      int           `yaml:"max_rows"`
	MaxBackoff   int           `yaml:"max_backoff"`
	Overflow     Overflow      `yaml:"overflow"`
	RunsOn       []string      `yaml:"runs_on"`
	Gauges       []GaugeConfig `yaml:"gauges"`
}

// Config is the root configuration structure.
type Config struct {
	Global      GlobalConfig       `yaml:"global"`
	Connections []ConnectionConfig `yaml:"connections"`
	Queries     []QueryConfig      `yaml:"queries"`
}

// Load reads and parses the configuration file, validates it and fills in
// defaults. Any validation failure is fatal to startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.Connections) == 0 {
		return fmt.Errorf("at least one connection must be configured")
	}
	if len(c.Queries) == 0 {
		return fmt.Errorf("at least one query must be configured")
	}
	if c.Global.Port < 0 || c.Global.Port > 65535 {
		return fmt.Errorf("global.port %d out of range", c.Global.Port)
	}
	if c.Global.DefaultTimeInterval < 0 {
		return fmt.Errorf("global.default_time_interval must not be negative")
	}
	if c.Global.RetryConnInterval < 0 {
		return fmt.Errorf("global.retry_conn_interval must not be negative")
	}

	for i, conn := range c.Connections {
		if conn.DBHost == "" {
			return fmt.Errorf("connections[%d].db_host is required", i)
		}
		if conn.DBName == "" {
			return fmt.Errorf("connections[%d].db_name is required", i)
		}
		if conn.DBPort <= 0 || conn.DBPort > 65535 {
			return fmt.Errorf("connections[%d].db_port %d out of range", i, conn.DBPort)
		}
		if conn.DBUser == "" && conn.RawDSN == "" {
			return fmt.Errorf("connections[%d].db_user is required", i)
		}
	}

	for i, q := range c.Queries {
		if q.Name == "" {
			return fmt.Errorf("queries[%d].name is required", i)
		}
		if q.Query == "" {
			return fmt.Errorf("queries[%d] (%s): query text is required", i, q.Name)
		}
		if len(q.Gauges) == 0 {
			return fmt.Errorf("queries[%d] (%s): at least one gauge is required", i, q.Name)
		}
		// 0 means unset and falls back to the global default.
		if q.TimeInterval < 0 {
			return fmt.Errorf("queries[%d] (%s): time_interval must not be negative", i, q.Name)
		}
		switch q.Overflow {
		case "", OverflowDrop, OverflowBlock, OverflowFail:
		default:
			return fmt.Errorf("queries[%d] (%s): invalid overflow policy %q", i, q.Name, q.Overflow)
		}
		for j, g := range q.Gauges {
			if g.Name == "" {
				return fmt.Errorf("queries[%d] (%s): gauges[%d] is missing name", i, q.Name, j)
			}
			if g.Col < 0 {
				return fmt.Errorf("queries[%d] (%s): gauge %s col must not be negative", i, q.Name, g.Name)
			}
			for k, v := range g.ExtraLabels {
				if n, ok := ColumnRef(v); ok && n < 1 {
					return fmt.Errorf("queries[%d] (%s): gauge %s label %s references column %d", i, q.Name, g.Name, k, n)
				}
			}
		}
	}

	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = "info"
	}
	if c.Global.LogFormat == "" {
		c.Global.LogFormat = "text"
	}
	if c.Global.Port == 0 {
		c.Global.Port = 9844
	}
	if c.Global.DefaultTimeInterval == 0 {
		c.Global.DefaultTimeInterval = 15
	}
	if c.Global.RetryConnInterval == 0 {
		c.Global.RetryConnInterval = 60
	}
	if c.Global.PoolSize == 0 {
		c.Global.PoolSize = 10
	}
	if c.Global.WorkerCount == 0 {
		c.Global.WorkerCount = 4
	}
	if c.Global.MaxBackoff == 0 {
		c.Global.MaxBackoff = 600
	}

	for i := range c.Connections {
		if c.Connections[i].Driver == "" {
			c.Connections[i].Driver = "sqlserver"
		}
	}

	for i := range c.Queries {
		if c.Queries[i].TimeInterval == 0 {
			c.Queries[i].TimeInterval = c.Global.DefaultTimeInterval
		}
		if c.Queries[i].MaxBackoff == 0 {
			c.Queries[i].MaxBackoff = c.Global.MaxBackoff
		}
		if c.Queries[i].Overflow == "" {
			c.Queries[i].Overflow = OverflowDrop
		}
	}
}

// ColumnRef reports whether a label value is a positional column reference
// of the form "$N" and, if so, returns N (1-based).
func ColumnRef(v string) (int, bool) {
	if len(v) < 2 || v[0] != '$' {
		return 0, false
	}
	n, err := strconv.Atoi(v[1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// DSN returns the connection string for this target. An explicit dsn field
// wins over the generated one.
func (c *ConnectionConfig) DSN() string {
	if c.RawDSN != "" {
		return c.RawDSN
	}
	return "sqlserver://" + c.DBUser + ":" + c.DBPasswd +
		"@" + c.DBHost + ":" + strconv.Itoa(c.DBPort) +
		"?database=" + c.DBName
}

// Addr returns the host:port address of the database instance.
func (c *ConnectionConfig) Addr() string {
	return c.DBHost + ":" + strconv.Itoa(c.DBPort)
}

// Matches reports whether a query runs on this connection: either the query
// declares no runs_on tags, or the tag sets intersect.
func (c *ConnectionConfig) Matches(q *QueryConfig) bool {
	if len(q.RunsOn) == 0 {
		return true
	}
	for _, want := range q.RunsOn {
		for _, have := range c.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// QueriesFor returns the queries that should run on the given connection.
func (c *Config) QueriesFor(conn *ConnectionConfig) []QueryConfig {
	out := make([]QueryConfig, 0, len(c.Queries))
	for _, q := range c.Queries {
		if conn.Matches(&q) {
			out = append(out, q)
		}
	}
	return out
}

// Masked returns a copy of the config with credential fields replaced, safe
// for logging.
func (c *Config) Masked() Config {
	out := *c
	out.Connections = make([]ConnectionConfig, len(c.Connections))
	copy(out.Connections, c.Connections)
	for i := range out.Connections {
		if out.Connections[i].DBPasswd != "" {
			out.Connections[i].DBPasswd = "******"
		}
		if out.Connections[i].RawDSN != "" {
			out.Connections[i].RawDSN = maskDSN(out.Connections[i].RawDSN)
		}
	}
	return out
}

// maskDSN hides the password portion of a user:password@host DSN.
func maskDSN(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return dsn
	}
	colon := strings.LastIndex(dsn[:at], ":")
	if colon < 0 {
		return dsn
	}
	return dsn[:colon+1] + "******" + dsn[at:]
}
