package main

import (
	"flag"
	"time"
)

// Config holds all runtime configuration derived from flags (future: env vars / file).
type Config struct {
	PublicAddr       string
	ControlAddr      string
	MetricsAddr      string
	BaseDomain       string
	MaxSockets       int
	IdleTimeout      time.Duration
	RequestTimeout   time.Duration
	MaxHeaderSize    int
	MarketingURL     string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	EnableProxyProto bool
	AddXFF           bool
	Debug            bool
	Production       bool
}

var cfg Config

// init registers flags into the global flag set. main() simply uses cfg.
func init() {
	flag.StringVar(&cfg.PublicAddr, "public", ":8080", "public HTTP and upgrade listener address")
	flag.StringVar(&cfg.ControlAddr, "control", ":8000", "management HTTP API address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	flag.StringVar(&cfg.BaseDomain, "domain", "", "base wildcard domain (e.g. example.com) to extract subdomain ids")
	flag.IntVar(&cfg.MaxSockets, "max-sockets", 10, "tunnel sockets accepted per client")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", 5*time.Second, "destroy a tunnel after this long with zero sockets")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", 0, "time limit for a request waiting on a tunnel socket (0 = wait forever)")
	flag.IntVar(&cfg.MaxHeaderSize, "max-header-size", 32*1024, "maximum allowed initial HTTP header bytes")
	flag.StringVar(&cfg.MarketingURL, "marketing-url", "https://localtunnel.github.io/www/", "site / redirected to and assets proxied from")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for cluster-wide id reservations (empty = in-memory only)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	flag.BoolVar(&cfg.EnableProxyProto, "proxy-protocol", false, "expect and parse HAProxy PROXY protocol v1 line on public connections")
	flag.BoolVar(&cfg.AddXFF, "add-xff", true, "append X-Forwarded-For header with original client IP (from PROXY or remote addr)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.BoolVar(&cfg.Production, "production", false, "production mode; lowers log verbosity")
}
