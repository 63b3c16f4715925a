package memstore

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/caseless"
)

// Server serves a Store over HTTP.
type Server struct {
	Store *Store
	Hub   *ChangesHub

	router   *mux.Router
	registry *prometheus.Registry
	requests *prometheus.CounterVec
}

// NewServer creates a server for store and wires document changes to its
// changes hub.
func NewServer(store *Store) *Server {
	s := &Server{
		Store:    store,
		Hub:      NewChangesHub(store.Spec.Log),
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memstore",
			Name:      "requests_total",
			Help:      "Requests served, by route.",
		}, []string{"route"}),
	}
	s.registry.MustRegister(s.requests, s.Hub.connections)
	store.OnChange(s.Hub.Broadcast)

	r := mux.NewRouter()
	db := r.PathPrefix("/databases/{db}").Subrouter()
	db.Use(s.checkDatabase)
	db.HandleFunc("/docs", s.count("docs", s.getDocuments)).Methods("GET")
	db.HandleFunc("/bulk_docs", s.count("bulk_docs", s.bulkDocs)).Methods("POST")
	db.HandleFunc("/cmpxchg", s.count("cmpxchg", s.getCompareExchange)).Methods("GET")
	db.HandleFunc("/changes", s.count("changes", s.Hub.ServeHTTP))
	r.HandleFunc("/info/tcp", s.count("tcp", s.getTCPInfo)).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) count(route string, h http.HandlerFunc) http.HandlerFunc {
	c := s.requests.WithLabelValues(route)
	return func(w http.ResponseWriter, r *http.Request) {
		c.Inc()
		h(w, r)
	}
}

func (s *Server) checkDatabase(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if db := mux.Vars(r)["db"]; !caseless.Equal(db, s.Store.Spec.Database) {
			writeError(w, http.StatusServiceUnavailable, "DatabaseDoesNotExistException", "database "+db+" does not exist")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getDocuments(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ArgumentException", "no id given")
		return
	}
	res, err := s.Store.GetDocuments(r.Context(), ids, r.URL.Query()["include"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Exception", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) bulkDocs(w http.ResponseWriter, r *http.Request) {
	var cmd api.BatchCommand
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequestException", err.Error())
		return
	}
	res, err := s.Store.Batch(r.Context(), &cmd)
	var ce *api.ConcurrencyError
	switch {
	case errors.As(err, &ce):
		writeJSON(w, http.StatusConflict, struct {
			Type string `json:"Type"`
			*api.ConcurrencyError
		}{"ConcurrencyException", ce})
	case err != nil:
		writeError(w, http.StatusBadRequest, "InvalidOperationException", err.Error())
	default:
		writeJSON(w, http.StatusCreated, res)
	}
}

func (s *Server) getCompareExchange(w http.ResponseWriter, r *http.Request) {
	data, err := s.Store.GetCompareExchangeValues(r.Context(), r.URL.Query()["key"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Exception", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) getTCPInfo(w http.ResponseWriter, r *http.Request) {
	info, _ := s.Store.GetTCPInfo(r.Context())
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, map[string]string{"Type": typ, "Message": msg})
}
