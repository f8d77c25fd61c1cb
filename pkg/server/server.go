package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/pigeonhole-chat/pigeonhole/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

// Server represents the Pigeonhole server
type Server struct {
	store      *store.Store
	sessions   *SessionManager
	config     ServerConfig
	configPath string
	httpServer *http.Server
	metricsSrv *http.Server
	shutdown   chan struct{}
	wg         sync.WaitGroup
	metrics    *Metrics
	startTime  time.Time // Server start time for uptime calculation

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort        int // Public HTTP port for /ws, /register, /avatar
	MetricsPort     int // Internal metrics port (never expose publicly)
	AvatarPath      string
	AllowedOrigins  []string
	EnableDevRoutes bool

	MaxMessageLength  int
	TagLengthMin      int
	TagLengthMax      int
	NameLengthMin     int
	NameLengthMax     int
	OutboundQueueSize int

	SnapshotIntervalSeconds int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:       6969,
		MetricsPort:    9090,
		AvatarPath:     "square.png",
		AllowedOrigins: []string{"*"},

		MaxMessageLength:  2500,
		TagLengthMin:      3,
		TagLengthMax:      16,
		NameLengthMin:     3,
		NameLengthMax:     24,
		OutboundQueueSize: 64,

		SnapshotIntervalSeconds: 30,
	}
}

// NewServer creates a new server instance
func NewServer(dbPath string, config ServerConfig, configPath string) (*Server, error) {
	// Open underlying SQLite database for snapshots
	sqliteDB, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create in-memory store with periodic snapshots
	st, err := store.New(sqliteDB, time.Duration(config.SnapshotIntervalSeconds)*time.Second)
	if err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	// Initialize loggers
	if err := initLoggers(); err != nil {
		st.Close()
		sqliteDB.Close()
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	metrics := NewMetrics()
	sessions := NewSessionManager(config.OutboundQueueSize)
	sessions.SetMetrics(metrics)

	server := &Server{
		store:      st,
		sessions:   sessions,
		config:     config,
		configPath: configPath,
		shutdown:   make(chan struct{}),
		metrics:    metrics,
		startTime:  time.Now(),
	}

	return server, nil
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "pigeonhole")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "pigeonhole")
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers() error {
	// Get server data directory
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Write startup marker to errors.log (for distinguishing between runs)
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (can be enabled via EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Redirect standard log (used by store package) to stdout and server.log
	// Truncate server.log on startup to avoid confusion from multiple runs
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	// Get server data directory
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	// Create/truncate debug.log
	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// router builds the public HTTP router
func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWebSocket)
	r.HandleFunc("/register", s.RegisterHandler).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/avatar/{tag}", s.AvatarHandler).Methods(http.MethodGet)
	if s.config.EnableDevRoutes {
		r.HandleFunc("/clear_users", s.ClearUsersHandler).Methods(http.MethodPost)
		r.HandleFunc("/clear_conversations", s.ClearConversationsHandler).Methods(http.MethodPost)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

// Start starts the public HTTP server and the internal metrics server
func (s *Server) Start() error {
	// Start metrics HTTP server (internal only - never expose publicly!)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/health", s.HealthHandler)
	s.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsSrv.Addr)
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	// Start public HTTP server (websocket + registration + avatars)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler: s.router(),
	}
	go func() {
		log.Printf("Public HTTP server listening on %s (/ws, /register, /avatar)", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Public HTTP server error: %v", err)
		}
	}()

	// Start metrics logging goroutine (log metrics every 5 seconds)
	s.wg.Add(1)
	go s.metricsLoggingLoop()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	// Signal shutdown to all goroutines
	close(s.shutdown)

	// Stop accepting new connections
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("Public HTTP server shutdown error: %v", err)
		}
		s.httpServer = nil
		log.Println("Public HTTP server closed")
	}

	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		}
		s.metricsSrv = nil
		log.Println("Metrics server closed")
	}

	// Close all sessions
	log.Println("Closing all client sessions...")
	s.sessions.CloseAll()

	// Wait for goroutines to finish
	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	// Close in-memory store (triggers final snapshot to SQLite)
	log.Println("Flushing in-memory store to disk...")
	if err := s.store.Close(); err != nil {
		log.Printf("Error during store close: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// HealthHandler reports process liveness plus a few coarse counters
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime).Round(time.Second)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"active_sessions":%d,"accounts":%d,"conversations":%d}`,
		int64(uptime.Seconds()), s.sessions.CountOnline(), s.store.AccountCount(), s.store.ConversationCount())
	fmt.Fprintln(w)
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			// Get current counts
			activeSessions := s.sessions.CountOnline()
			goroutines := runtime.NumGoroutine()

			// Get deltas and reset
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Active sessions: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				activeSessions, connected, disconnected, goroutines)
		}
	}
}
