package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sancsoft/localtunnel-server/internal/dispatch"
	"github.com/sancsoft/localtunnel-server/internal/obs"
	"github.com/sancsoft/localtunnel-server/internal/tunnel"
)

// serverState tracks readiness for /readyz, mirroring the public and
// control listeners being up and the process not yet draining.
type serverState struct {
	mu      sync.Mutex
	ready   bool
	closing bool
}

func main() {
	flag.Parse()
	log := obs.NewJSONLogger(os.Stdout, cfg.Debug && !cfg.Production)
	log.Info("server.start", obs.Fields{"public": cfg.PublicAddr, "control": cfg.ControlAddr, "metrics": cfg.MetricsAddr, "domain": cfg.BaseDomain})

	reg := tunnel.NewRegistry(cfg.MaxSockets, log)
	reg.IdleTimeout = cfg.IdleTimeout
	reg.WaiterTimeout = cfg.RequestTimeout
	if cfg.RedisAddr != "" {
		res, err := tunnel.NewRedisReservations(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Error("redis.connect", obs.Fields{"err": err.Error(), "addr": cfg.RedisAddr})
			os.Exit(1)
		}
		defer res.Close()
		reg.Reservations = res
		go refreshReservations(context.Background(), reg, res, log)
		log.Info("redis.reservations", obs.Fields{"addr": cfg.RedisAddr})
	}

	mgmt := managementHandler(reg, &cfg, log)
	d := dispatch.New(reg, dispatch.Config{
		BaseDomain:     cfg.BaseDomain,
		MaxHeaderBytes: cfg.MaxHeaderSize,
		ProxyProto:     cfg.EnableProxyProto,
		AddXFF:         cfg.AddXFF,
	}, publicFallback(mgmt), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pubLn, err := net.Listen("tcp", cfg.PublicAddr)
	if err != nil {
		log.Error("listen.public", obs.Fields{"err": err.Error(), "addr": cfg.PublicAddr})
		os.Exit(1)
	}
	defer pubLn.Close()

	ctrlLn, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		log.Error("listen.control", obs.Fields{"err": err.Error(), "addr": cfg.ControlAddr})
		os.Exit(1)
	}
	defer ctrlLn.Close()

	state := &serverState{}
	go startMetricsServer(cfg.MetricsAddr, state, log)
	go runMetricsCollector(ctx, reg)

	ctrlSrv := &http.Server{Handler: mgmt}
	go func() {
		if err := ctrlSrv.Serve(ctrlLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control.server", obs.Fields{"err": err.Error()})
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); acceptPublic(ctx, pubLn, d, log) }()

	state.mu.Lock()
	state.ready = true
	state.mu.Unlock()
	log.Info("server.ready", obs.Fields{})

	<-ctx.Done()
	log.Info("server.shutdown.signal", obs.Fields{})
	state.mu.Lock()
	state.closing = true
	state.mu.Unlock()

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = ctrlSrv.Shutdown(shutCtx)
	_ = pubLn.Close()
	reg.CloseAll()
	wg.Wait()
	log.Info("server.shutdown.complete", obs.Fields{})
}

func acceptPublic(ctx context.Context, ln net.Listener, d *dispatch.Dispatcher, log obs.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Error("accept.public.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		go d.HandleConn(c)
	}
}

// runMetricsCollector refreshes the pool aggregate gauges once a second;
// they change inside per-tunnel locks where updating a global gauge on
// every transition would serialize unrelated pools.
func runMetricsCollector(ctx context.Context, reg *tunnel.Registry) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := reg.Stats()
			obs.PoolIdleSockets.Set(float64(st.Idle))
			obs.PoolWaiters.Set(float64(st.Waiters))
		}
	}
}

// refreshReservations extends every live tunnel's cluster-wide id
// reservation so long-lived tunnels outlast the reservation TTL.
func refreshReservations(ctx context.Context, reg *tunnel.Registry, res *tunnel.RedisReservations, log obs.Logger) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, id := range reg.IDs() {
				if err := res.Refresh(id); err != nil {
					log.Error("redis.refresh", obs.Fields{"id": id, "err": err.Error()})
				}
			}
		}
	}
}

// startMetricsServer serves Prometheus metrics and simple health endpoints.
func startMetricsServer(addr string, state *serverState, log obs.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		closing := state.closing
		ready := state.ready
		state.mu.Unlock()
		if closing || !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
