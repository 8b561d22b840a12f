// Package server binds the coordinator service to HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/dreamware/fedcoord/internal/api"
	"github.com/dreamware/fedcoord/internal/coordinator"
	"github.com/dreamware/fedcoord/internal/model"
	"github.com/dreamware/fedcoord/internal/storage"
	"github.com/dreamware/fedcoord/internal/tensor"
)

// DefaultMaxBodyBytes limits update request bodies when Options leaves
// MaxBodyBytes unset.
const DefaultMaxBodyBytes = 32 << 20

// Response messages.
const (
	msgNotFound      = "Global model not found"
	msgSerialize     = "Error serializing model"
	msgInvalidBody   = "Invalid request body"
	msgInvalidUpdate = "Invalid weights"
	msgPersist       = "Model updated but not persisted"
	msgUnavailable   = "Global model unavailable"
	msgInternal      = "Internal error"
)

// Options configures a Server.
type Options struct {
	MaxBodyBytes int64
}

// Server serves the coordinator endpoints.
type Server struct {
	svc     *coordinator.Service
	maxBody int64
}

// New creates a server for svc.
func New(svc *coordinator.Service, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{svc: svc, maxBody: opts.MaxBodyBytes}
}

// Handler returns the routed handler, wrapped with CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(api.PathUpdateModel, s.handleUpdateModel)
	mux.HandleFunc(api.PathGlobalModel, s.handleGlobalModel)
	mux.HandleFunc(api.PathModelWeights, s.handleModelWeights)
	mux.HandleFunc(api.PathStatus, s.handleStatus)
	mux.HandleFunc(api.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
	})
	return cors(mux)
}

// cors allows every origin, matching a browser-hosted training client.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,HEAD,PUT,PATCH,POST,DELETE")
		if r.Method == http.MethodOptions {
			if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
				h.Set("Access-Control-Allow-Headers", req)
				h.Add("Vary", "Access-Control-Request-Headers")
			}
			h.Set("Content-Length", "0")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req api.UpdateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(&req); err != nil {
		status := http.StatusInternalServerError
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, api.ErrorResponse{Message: msgInvalidBody, Error: err.Error()})
		return
	}

	u, err := decodeUpdate(req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	klog.V(1).Infof("update from %s: %d set(s), mode %q", r.RemoteAddr, len(u.Sets), u.Mode)

	ack, err := s.svc.ApplyUpdate(r.Context(), u)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.UpdateResponse{
		Message:  ack.Message,
		Mode:     string(ack.Mode),
		Version:  ack.Version,
		Revision: ack.Revision,
	})
}

// decodeUpdate turns the wire request into a service update.
func decodeUpdate(req api.UpdateRequest) (coordinator.Update, error) {
	invalid := func(msg string) error {
		return &coordinator.Error{Kind: coordinator.KindValidation, Set: -1, Index: -1, Err: errors.New(msg)}
	}
	wireSets := req.Clients
	switch {
	case req.Weights != nil && req.Clients != nil:
		return coordinator.Update{}, invalid(`request carries both "weights" and "clients"`)
	case req.Weights != nil:
		wireSets = [][]tensor.Wire{req.Weights}
	case len(req.Clients) == 0:
		return coordinator.Update{}, invalid(`request carries neither "weights" nor "clients"`)
	}

	mode, err := coordinator.ParseMode(req.Mode)
	if err != nil {
		return coordinator.Update{}, err
	}
	u := coordinator.Update{
		Mode:          mode,
		SampleCounts:  req.SampleCounts,
		IncludeGlobal: req.IncludeGlobal,
		Sets:          make([]model.ParameterSet, len(wireSets)),
	}
	for k, wires := range wireSets {
		ps, err := coordinator.DecodeSet(k, wires)
		if err != nil {
			return coordinator.Update{}, err
		}
		u.Sets[k] = ps
	}
	return u, nil
}

func (s *Server) handleGlobalModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.svc.FetchGlobalModel(r.Context())
	if err != nil {
		s.writeFetchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ModelResponse{
		ModelTopology: snap.Topology,
		WeightSpecs:   snap.WeightSpecs,
		WeightData:    snap.WeightData,
		Version:       snap.Version,
		Revision:      snap.Revision,
		UpdatedAt:     snap.UpdatedAt,
	})
	klog.V(1).Infof("global model version %d sent to %s", snap.Version, r.RemoteAddr)
}

func (s *Server) handleModelWeights(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.svc.FetchGlobalModel(r.Context())
	if err != nil {
		s.writeFetchError(w, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.Itoa(len(snap.WeightData)))
	h.Set("X-Model-Version", strconv.FormatInt(snap.Version, 10))
	h.Set("X-Model-Revision", snap.Revision)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(snap.WeightData)
	}
	klog.V(2).Infof("sent %s of weights to %s", humanize.Bytes(uint64(len(snap.WeightData))), r.RemoteAddr)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := s.svc.Status()
	writeJSON(w, http.StatusOK, api.StatusResponse{
		UpdatedAt:       st.UpdatedAt,
		LastUpdate:      st.LastUpdate,
		Revision:        st.Revision,
		Version:         st.Version,
		UpdatesApplied:  st.UpdatesApplied,
		UpdatesRejected: st.UpdatesRejected,
		Dirty:           st.Dirty,
	})
}

// writeFetchError maps a failed fetch: a record that cannot be decoded is
// "not found", read failures and serialization failures are server errors.
func (s *Server) writeFetchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrCorruptPersistedState):
		klog.Warningf("global model not available: %v", err)
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Message: msgNotFound, Error: err.Error()})
	case errors.Is(err, coordinator.ErrModelUnavailable):
		klog.Errorf("global model could not be loaded: %v", err)
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Message: msgUnavailable, Error: err.Error()})
	default:
		klog.Errorf("serializing global model: %v", err)
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Message: msgSerialize, Error: err.Error()})
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var serr *coordinator.Error
	if !errors.As(err, &serr) {
		klog.Errorf("update failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Message: msgInternal, Error: err.Error()})
		return
	}

	resp := api.ErrorResponse{Error: serr.Err.Error()}
	if serr.Set >= 0 {
		resp.Set = &serr.Set
	}
	if serr.Index >= 0 {
		resp.Index = &serr.Index
	}

	// Rejected updates are 500s, like every other failed update; clients
	// tell them apart by message.
	status := http.StatusInternalServerError
	switch serr.Kind {
	case coordinator.KindValidation:
		resp.Message = msgInvalidUpdate
		klog.V(1).Infof("update rejected: %v", err)
	case coordinator.KindPersistence:
		resp.Message = msgPersist
	case coordinator.KindUnavailable:
		status, resp.Message = http.StatusServiceUnavailable, msgUnavailable
		klog.Errorf("update failed: %v", err)
	default:
		resp.Message = msgInternal
		klog.Errorf("update failed: %v", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Errorf("writing response: %v", err)
	}
}
