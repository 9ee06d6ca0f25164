package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gary0122g/EnergyGateway/blackboard"
	"github.com/gary0122g/EnergyGateway/db"
	"github.com/gary0122g/EnergyGateway/scheduler"
	"github.com/gary0122g/EnergyGateway/service"
)

var log = logging.Logger("server")

const (
	defaultHarvestLimit = 100
	defaultSummaryLimit = 1000
	maxLimit            = 10000
	maxBins             = 200
)

// APIServer handles API requests. Blackboard state is read and changed
// through the scheduler so handlers never race the tasks.
type APIServer struct {
	sched    scheduler.TaskScheduler
	board    *blackboard.Blackboard
	database db.Storage
	summary  *service.SummaryService
	router   *mux.Router

	quit      chan struct{}
	closeOnce sync.Once
}

// NewAPIServer creates a new API server
func NewAPIServer(sched scheduler.TaskScheduler, board *blackboard.Blackboard, database db.Storage, summary *service.SummaryService) *APIServer {
	server := &APIServer{
		sched:    sched,
		board:    board,
		database: database,
		summary:  summary,
		router:   mux.NewRouter(),
		quit:     make(chan struct{}),
	}
	server.routes()
	return server
}

// routes sets up API routes
func (s *APIServer) routes() {
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Gateway state
	api.HandleFunc("/state", s.handleGetState).Methods("GET")
	api.HandleFunc("/live", s.handleLive).Methods("GET")

	// Devices
	api.HandleFunc("/devices/{sn}/harvests", s.handleGetHarvests).Methods("GET")
	api.HandleFunc("/devices/{sn}/latest", s.handleGetLatestHarvest).Methods("GET")
	api.HandleFunc("/devices/{sn}/summary", s.handleGetSummary).Methods("GET")
	api.HandleFunc("/devices/{sn}", s.handleDisconnectDevice).Methods("DELETE")

	// Settings
	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings", s.handlePostSettings).Methods("POST")
}

// Handler returns the router serving every route
func (s *APIServer) Handler() http.Handler {
	return s.router
}

// Start serves the API on addr until ctx is done
func (s *APIServer) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("shutting down api server", "error", err)
		}
	}()

	log.Infof("API server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close ends the live streams
func (s *APIServer) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
}

type deviceState struct {
	SN         string    `json:"sn"`
	Host       string    `json:"host"`
	Open       bool      `json:"open"`
	LastSeen   string    `json:"last_seen,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}

type stateResponse struct {
	Devices  []deviceState        `json:"devices"`
	Pending  map[string]string    `json:"pending_settings"`
	Archive  []db.DeviceStats     `json:"archive"`
	Messages []blackboard.Message `json:"messages"`
}

// handleGetState processes requests for the registry and message log
func (s *APIServer) handleGetState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{Devices: []deviceState{}}

	err := s.sched.Call(r.Context(), func() {
		for _, dev := range s.board.Devices() {
			st := deviceState{SN: dev.SN(), Host: dev.Host(), Open: dev.IsOpen()}
			if at, ok := s.board.LastSeen(dev.SN()); ok {
				st.LastSeenAt = at
				st.LastSeen = humanize.Time(at)
			}
			resp.Devices = append(resp.Devices, st)
		}
		resp.Pending = s.board.PendingSettings()
	})
	if err != nil {
		http.Error(w, "Failed to read gateway state: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	resp.Messages = s.board.Messages().List()
	if resp.Archive, err = s.database.GetDeviceStats(); err != nil {
		http.Error(w, "Failed to read archive: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGetHarvests processes requests for archived samples
func (s *APIServer) handleGetHarvests(w http.ResponseWriter, r *http.Request) {
	sn := mux.Vars(r)["sn"]
	limit := queryInt(r, "limit", defaultHarvestLimit, maxLimit)

	samples, err := s.database.GetHarvests(sn, limit)
	if err != nil {
		http.Error(w, "Failed to retrieve harvests: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, samples)
}

// handleGetLatestHarvest processes requests for the newest archived sample
func (s *APIServer) handleGetLatestHarvest(w http.ResponseWriter, r *http.Request) {
	sn := mux.Vars(r)["sn"]

	sample, err := s.database.GetLatestHarvest(sn)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "No harvests of "+sn, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to retrieve latest harvest: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sample)
}

// handleGetSummary processes requests for register statistics
func (s *APIServer) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	sn := mux.Vars(r)["sn"]
	limit := queryInt(r, "limit", defaultSummaryLimit, maxLimit)
	bins := queryInt(r, "bins", service.DefaultBinCount, maxBins)

	summary, err := s.summary.Summarize(sn, limit, bins)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "No harvests of "+sn, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to summarize harvests: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// handleDisconnectDevice closes a device. Its harvest notices and hands the
// device over to a reconnect task.
func (s *APIServer) handleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	sn := mux.Vars(r)["sn"]

	found := false
	var disconnectErr error
	err := s.sched.Call(r.Context(), func() {
		dev := s.board.FindSN(sn)
		if dev == nil {
			return
		}
		found = true
		disconnectErr = dev.Disconnect()
		s.board.Info("device %s disconnected on request", sn)
	})
	switch {
	case err != nil:
		http.Error(w, "Failed to reach scheduler: "+err.Error(), http.StatusServiceUnavailable)
	case !found:
		http.Error(w, "Unknown device "+sn, http.StatusNotFound)
	case disconnectErr != nil:
		http.Error(w, "Failed to disconnect: "+disconnectErr.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleGetSettings processes requests for stored settings
func (s *APIServer) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.database.GetSettings()
	if err != nil {
		http.Error(w, "Failed to retrieve settings: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handlePostSettings queues settings for the settings task
func (s *APIServer) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	var settings map[string]string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&settings); err != nil {
		http.Error(w, "Invalid settings: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(settings) == 0 {
		http.Error(w, "No settings given", http.StatusBadRequest)
		return
	}
	for key := range settings {
		if key == "" {
			http.Error(w, "Empty setting key", http.StatusBadRequest)
			return
		}
	}

	err := s.sched.Call(r.Context(), func() {
		for key, value := range settings {
			s.board.SetPending(key, value)
		}
	})
	if err != nil {
		http.Error(w, "Failed to reach scheduler: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"pending": len(settings)})
}

// queryInt parses a positive integer query parameter capped at max
func queryInt(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugw("writing response", "error", err)
	}
}
