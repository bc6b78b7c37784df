package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LambTheBamb/SpecterRealMonitor/internal/alerting"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/cache"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/config"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/exporter"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/perf"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/pipeline"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/sampler"
	"github.com/LambTheBamb/SpecterRealMonitor/internal/sysmetrics"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})
)

type Server struct {
	router *mux.Router
	cfg    *config.Config
	exp    *exporter.Exporter
	pipe   *pipeline.Pipeline
	sink   *alerting.Sink
	redis  *cache.RedisClient
}

func NewServer(cfg *config.Config, exp *exporter.Exporter, pipe *pipeline.Pipeline, sink *alerting.Sink, redisClient *cache.RedisClient) *Server {
	s := &Server{
		router: mux.NewRouter(),
		cfg:    cfg,
		exp:    exp,
		pipe:   pipe,
		sink:   sink,
		redis:  redisClient,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)
	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	s.router.HandleFunc("/status", s.statusHandler).Methods("GET")
	s.router.HandleFunc("/status/{metric}", s.metricStatusHandler).Methods("GET")
	s.router.HandleFunc("/alerts", s.alertsHandler).Methods("GET")
	s.router.HandleFunc("/samples/{metric}", s.samplesHandler).Methods("GET")
	s.router.HandleFunc("/baseline/{metric}/reset", s.resetBaselineHandler).Methods("POST")
	s.router.Handle("/metrics", promhttp.Handler())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"metrics":   len(s.cfg.Metrics),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.exp.Statuses())
}

func (s *Server) metricStatusHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["metric"]
	st, ok := s.exp.Status(name)
	if !ok {
		http.Error(w, "unknown metric", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.sink.RecentAlerts(limit))
}

func (s *Server) samplesHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["metric"]
	if _, ok := s.exp.Status(name); !ok {
		http.Error(w, "unknown metric", http.StatusNotFound)
		return
	}

	points, err := s.redis.RecentPoints(r.Context(), name, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) resetBaselineHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["metric"]
	if err := s.pipe.ResetBaseline(name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "metric": name})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Run serves HTTP until SIGINT/SIGTERM, then shuts down gracefully and calls
// onShutdown for pipeline teardown.
func (s *Server) Run(addr string, onShutdown func()) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Could not gracefully shutdown the server: %v", err)
		}
		onShutdown()
		close(done)
	}()

	log.Printf("Server is ready to handle requests at %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("could not listen on %s: %w", addr, err)
	}

	<-done
	log.Println("Server stopped")
	return nil
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	redisClient, err := cache.NewRedisClient(cfg.RedisAddr, cfg.SampleTTL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Printf("Connected to Redis at %s", cfg.RedisAddr)

	store, err := alerting.NewFileStore(cfg.AlertFile)
	if err != nil {
		log.Fatalf("Failed to open alert store: %v", err)
	}

	sink := alerting.NewSink(store, cfg.AlertCooldown, 256)
	forwarder := cache.NewForwarder(redisClient, 1024)
	exp := exporter.New(cfg.Metrics)
	pipe := pipeline.New(cfg, exp, sink, forwarder)

	readers := map[string]perf.CounterReader{
		config.SourcePerf: perf.NewReader(time.Second),
	}
	if sysReader, err := sysmetrics.NewReader(); err != nil {
		log.Printf("System metrics unavailable: %v", err)
	} else {
		readers[config.SourceSystem] = sysReader
	}

	sched := sampler.NewScheduler(cfg, readers, pipe)
	ctx, cancel := context.WithCancel(context.Background())
	samplerDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(samplerDone)
	}()

	server := NewServer(cfg, exp, pipe, sink, redisClient)
	err = server.Run(cfg.ListenAddr, func() {
		cancel()
		<-samplerDone
		forwarder.Close()
		sink.Close()
		store.Close()
		redisClient.Close()
	})
	if err != nil {
		log.Fatal(err)
	}
}
