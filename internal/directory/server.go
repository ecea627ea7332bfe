package directory

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"kryptera/internal/domain"
	"kryptera/internal/log"
)

var (
	devicesPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kryptera_directory_devices_published_total",
			Help: "Number of device bundles accepted.",
		},
	)
	prekeysConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kryptera_directory_prekeys_consumed_total",
			Help: "Number of one-time prekeys marked consumed.",
		},
	)
	envelopesPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kryptera_directory_envelopes_pending",
			Help: "Envelopes queued for delivery.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kryptera_directory_http_requests_total",
			Help: "HTTP requests served, by method and status.",
		},
		[]string{"method", "code"},
	)
)

func init() {
	prometheus.MustRegister(devicesPublished)
	prometheus.MustRegister(prekeysConsumed)
	prometheus.MustRegister(envelopesPending)
	prometheus.MustRegister(httpRequests)
}

const maxBodyBytes = 1 << 20

// Server is the directoryd HTTP surface over a Memory directory.
type Server struct {
	log    *logging.Logger
	dir    *Memory
	router *mux.Router
}

func NewServer(dir *Memory, backend *log.Backend) *Server {
	s := &Server{log: backend.GetLogger("directoryd"), dir: dir}

	r := mux.NewRouter()
	r.HandleFunc("/v1/devices", s.publishDevice).Methods(http.MethodPost)
	r.HandleFunc("/v1/users/{user}/devices", s.listDevices).Methods(http.MethodGet)
	r.HandleFunc("/v1/users/{user}/devices/{device}/prekeys/{key}", s.consumePreKey).Methods(http.MethodDelete)
	r.HandleFunc("/v1/envelopes", s.sendEnvelope).Methods(http.MethodPost)
	r.HandleFunc("/v1/users/{user}/devices/{device}/envelopes", s.fetchEnvelopes).Methods(http.MethodGet)
	r.HandleFunc("/v1/users/{user}/devices/{device}/envelopes/ack", s.ackEnvelopes).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler())
	r.Use(s.accessLog)
	s.router = r
	return s
}

// Router returns the root handler, ready for http.Server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) publishDevice(w http.ResponseWriter, r *http.Request) {
	var rec domain.DeviceRecord
	if !decodeBody(w, r, &rec) {
		return
	}
	if err := s.dir.PublishDeviceBundle(r.Context(), rec); err != nil {
		s.log.Warningf("publish %s/%s rejected: %v", rec.UserID, rec.DeviceID, err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	devicesPublished.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	recs, err := s.dir.FetchDeviceBundles(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) consumePreKey(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := s.dir.ConsumeOneTimePreKey(r.Context(), vars["user"], vars["device"], vars["key"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	prekeysConsumed.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sendEnvelope(w http.ResponseWriter, r *http.Request) {
	var env domain.Envelope
	if !decodeBody(w, r, &env) {
		return
	}
	if err := s.dir.SendEnvelope(r.Context(), env); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	envelopesPending.Set(float64(s.dir.PendingEnvelopes()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fetchEnvelopes(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	envs, err := s.dir.FetchEnvelopes(r.Context(), vars["user"], vars["device"], limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, envs)
}

func (s *Server) ackEnvelopes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	vars := mux.Vars(r)
	if err := s.dir.AckEnvelopes(r.Context(), vars["user"], vars["device"], body.Count); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	envelopesPending.Set(float64(s.dir.PendingEnvelopes()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequests.WithLabelValues(r.Method, strconv.Itoa(rw.status)).Inc()
		s.log.Debugf("%s %s %d %v", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
