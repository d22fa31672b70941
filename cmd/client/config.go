package main

import (
	"flag"
	"time"
)

// Config holds client runtime configuration.
type Config struct {
	RegisterURL       string
	ServerAddr        string
	Target            string
	Conns             int
	ReconnectInterval time.Duration
}

var cfg Config

// init registers all client flags into the default flag set.
func init() {
	flag.StringVar(&cfg.RegisterURL, "register-url", "", "management endpoint to request a tunnel from (e.g. http://example.com/?new or http://example.com/myname); empty = dial -server directly")
	flag.StringVar(&cfg.ServerAddr, "server", "", "tunnel address host:port as returned by the management API")
	flag.StringVar(&cfg.Target, "target", "127.0.0.1:3000", "local address to expose")
	flag.IntVar(&cfg.Conns, "conns", 0, "pooled tunnel connections to keep dialed (0 = server's advertised max_conn_count)")
	flag.DurationVar(&cfg.ReconnectInterval, "reconnect-interval", 2*time.Second, "delay before redialing a closed tunnel connection")
}
