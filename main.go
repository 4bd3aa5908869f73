package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// Global debug flag
var DebugMode bool

// Global start time for process uptime tracking
var StartTime time.Time

// gzipResponseWriter wraps http.ResponseWriter to write through a gzip
// stream
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

// gzipHandler wraps an http.HandlerFunc with gzip compression
func gzipHandler(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			fn(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")

		gz := gzip.NewWriter(w)
		defer gz.Close()

		gzipW := gzipResponseWriter{Writer: gz, ResponseWriter: w}
		fn(gzipW, r)
	}
}

// apiEnvelope is the uniform response shape of the REST surface.
type apiEnvelope struct {
	Status    string      `json:"status"`
	RequestID string      `json:"request_id,omitempty"`
	Kind      string      `json:"kind,omitempty"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

func writeOK(w http.ResponseWriter, requestID string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiEnvelope{Status: "ok", RequestID: requestID, Data: data})
}

func writeErr(w http.ResponseWriter, requestID string, err error) {
	kind := ErrKindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(kind))
	json.NewEncoder(w).Encode(apiEnvelope{
		Status:    "error",
		RequestID: requestID,
		Kind:      string(kind),
		Message:   err.Error(),
	})
}

func httpStatusFor(kind ErrorKind) int {
	switch kind {
	case KindUnknownSlot, KindUnknownDevice, KindUnknownKey:
		return http.StatusNotFound
	case KindBadConfig, KindBadKeyset:
		return http.StatusBadRequest
	case KindDeviceBusy:
		return http.StatusTooManyRequests
	case KindNotReady, KindLinkLost:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// pressRequest is the JSON body of /api/press and /api/pressandhold
type pressRequest struct {
	Slot       int    `json:"slot"`
	Device     string `json:"device"`
	Key        string `json:"key"`
	Count      int    `json:"count"`
	DurationMs int    `json:"duration_ms"`
}

func decodePressRequest(r *http.Request) (*pressRequest, error) {
	var req pressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, wrapErr(KindBadConfig, err, "invalid request body")
	}
	if req.Slot < 1 {
		return nil, dispatchErr(KindBadConfig, "slot must be >= 1")
	}
	if req.Device == "" || req.Key == "" {
		return nil, dispatchErr(KindBadConfig, "device and key are required")
	}
	return &req, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	DebugMode = *debug
	StartTime = time.Now()

	log.Printf("itachd %s starting", Version)

	config, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// The registry can serve health even when the keyset fails to load,
	// so a bad keyset aborts the catalogue only.
	catalogue, err := LoadKeyset(config.Keysets.Path)
	if err != nil {
		log.Fatalf("Failed to load keyset %s: %v", config.Keysets.Path, err)
	}
	holder := NewCatalogueHolder(catalogue)
	log.Printf("Keyset: %d devices, %d keys loaded from %s",
		len(catalogue.ListDevices()), catalogue.KeyCount(), config.Keysets.Path)

	registry, err := NewRegistry(config)
	if err != nil {
		log.Fatalf("Failed to build registry: %v", err)
	}

	var metrics *Metrics
	if config.Prometheus.Enabled {
		metrics = InitMetrics()
		metrics.ObserveCatalogue(catalogue)
	}

	events := NewEventHub()

	// Chain state observers: metrics gauge plus event stream.
	registry.SetStateHook(func(c *Connection, from, to ConnState) {
		if metrics != nil {
			metrics.StateHook()(c, from, to)
		}
		events.StateHook()(c, from, to)
	})

	dispatcher := NewDispatcher(registry, holder, metrics, events)

	registry.Start()

	var mqttPub *MQTTPublisher
	if config.MQTT.Enabled {
		mqttPub, err = NewMQTTPublisher(&config.MQTT, dispatcher)
		if err != nil {
			log.Printf("MQTT: disabled after connect failure: %v", err)
		} else {
			mqttPub.Start()
		}
	}

	StartVersionChecker(config.Admin.VersionCheckEnabled, config.Admin.VersionCheckInterval)

	corsWrap := func(fn http.HandlerFunc) http.HandlerFunc {
		if !config.Server.EnableCORS {
			return fn
		}
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			fn(w, r)
		}
	}

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	http.HandleFunc("/api/press", corsWrap(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		req, err := decodePressRequest(r)
		if err != nil {
			writeErr(w, requestID, err)
			return
		}
		res, err := dispatcher.Press(r.Context(), req.Slot, req.Device, req.Key, req.Count)
		if err != nil {
			writeErr(w, requestID, err)
			return
		}
		if mqttPub != nil {
			mqttPub.PublishEvent(Event{Type: "press", Slot: req.Slot, Device: req.Device, Key: req.Key, Status: "ok", ElapsedMs: res.ElapsedMs})
		}
		writeOK(w, requestID, res)
	}))

	http.HandleFunc("/api/pressandhold", corsWrap(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		req, err := decodePressRequest(r)
		if err != nil {
			writeErr(w, requestID, err)
			return
		}
		res, err := dispatcher.PressAndHold(r.Context(), req.Slot, req.Device, req.Key, req.DurationMs)
		if err != nil {
			writeErr(w, requestID, err)
			return
		}
		if mqttPub != nil {
			mqttPub.PublishEvent(Event{Type: "hold", Slot: req.Slot, Device: req.Device, Key: req.Key, Status: "ok", ElapsedMs: res.ElapsedMs})
		}
		writeOK(w, requestID, res)
	}))

	http.HandleFunc("/api/stop", corsWrap(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		slot, err := strconv.Atoi(r.URL.Query().Get("slot"))
		if err != nil || slot < 1 {
			writeErr(w, requestID, dispatchErr(KindBadConfig, "slot query parameter must be a positive integer"))
			return
		}
		if err := dispatcher.Stop(r.Context(), slot); err != nil {
			writeErr(w, requestID, err)
			return
		}
		writeOK(w, requestID, nil)
	}))

	http.HandleFunc("/api/devices", corsWrap(gzipHandler(func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, "", dispatcher.ListDevices())
	})))

	http.HandleFunc("/api/keys", corsWrap(gzipHandler(func(w http.ResponseWriter, r *http.Request) {
		device := r.URL.Query().Get("device")
		keys, err := dispatcher.ListKeys(device)
		if err != nil {
			writeErr(w, "", err)
			return
		}
		writeOK(w, "", keys)
	})))

	http.HandleFunc("/api/status", corsWrap(gzipHandler(func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, "", dispatcher.Health())
	})))

	http.HandleFunc("/api/healthcheck", corsWrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		registry.Healthcheck(ctx)
		writeOK(w, "", dispatcher.Health())
	}))

	http.HandleFunc("/api/keysets/reload", corsWrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fresh, err := LoadKeyset(config.Keysets.Path)
		if err != nil {
			writeErr(w, "", err)
			return
		}
		holder.Swap(fresh)
		if metrics != nil {
			metrics.ObserveCatalogue(fresh)
		}
		log.Printf("Keyset: reloaded, %d devices, %d keys", len(fresh.ListDevices()), fresh.KeyCount())
		writeOK(w, "", map[string]int{"devices": len(fresh.ListDevices()), "keys": fresh.KeyCount()})
	}))

	http.HandleFunc("/api/stats", corsWrap(gzipHandler(HandleSystemStats)))

	http.HandleFunc("/ws/events", events.HandleWebSocket)

	if config.Prometheus.Enabled {
		http.HandleFunc("/metrics", MetricsHandler(&config.Prometheus))
		log.Printf("Prometheus: /metrics enabled")
	}

	if config.MCP.Enabled {
		mcpServer := NewMCPServer(dispatcher)
		http.Handle("/mcp", mcpServer)
		log.Printf("MCP: /mcp enabled")
	}

	server := &http.Server{Addr: config.Server.Listen}

	go func() {
		log.Printf("HTTP: listening on %s", config.Server.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if mqttPub != nil {
		mqttPub.Stop()
	}
	registry.Shutdown(shutdownCtx)
	log.Printf("itachd stopped")
}
