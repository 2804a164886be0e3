package centralserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tarun-kavipurapu/p2p-chunknet/pkg/logger"
	"tarun-kavipurapu/p2p-chunknet/pkg/monitor"
	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
)

const maxBodyBytes = 1 << 20

// NewRouter binds the tracker HTTP API to reg. hub may be nil, in which case
// /admin/events is not served.
func NewRouter(reg *Registry, hub *EventHub) *mux.Router {
	h := &apiHandler{reg: reg}

	// Encoded paths keep "%2F" inside a stem from splitting the route.
	router := mux.NewRouter().UseEncodedPath()
	router.HandleFunc("/join", h.join).Methods(http.MethodPost)
	router.HandleFunc("/announce_chunk", h.announce).Methods(http.MethodPost)
	router.HandleFunc("/heartbeat", h.heartbeat).Methods(http.MethodPost)
	router.HandleFunc("/peers/{file_stem}/{chunk_index}", h.owners).Methods(http.MethodGet)
	router.HandleFunc("/metadata/{file_stem}", h.metadata).Methods(http.MethodGet)
	router.HandleFunc("/chunk/{file_stem}/{chunk_index}", h.chunk).Methods(http.MethodGet)
	router.HandleFunc("/files", h.files).Methods(http.MethodGet)
	router.HandleFunc("/register_file", h.registerFile).Methods(http.MethodPost)
	router.HandleFunc("/admin/peers", h.peers).Methods(http.MethodGet)
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
	if hub != nil {
		router.Handle("/admin/events", hub).Methods(http.MethodGet)
	}
	return router
}

type apiHandler struct {
	reg *Registry
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Debugf("[API] encode response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := protocol.HTTPStatus(err)
	if code >= 500 {
		logger.Sugar.Errorf("[API] %s %s: %v", r.Method, r.URL.Path, err)
	} else {
		logger.Sugar.Debugf("[API] %s %s -> %d: %v", r.Method, r.URL.Path, code, err)
	}
	writeJSON(w, code, protocol.ErrorResponse{Detail: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed json body: %v", protocol.ErrInvalid, err)
	}
	return nil
}

func credentials(r *http.Request) (string, string) {
	q := r.URL.Query()
	return q.Get("peer_id"), q.Get("token")
}

func chunkIndex(r *http.Request) (int, error) {
	raw := mux.Vars(r)["chunk_index"]
	i, err := strconv.Atoi(raw)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("%w: bad chunk index %q", protocol.ErrInvalid, raw)
	}
	return i, nil
}

func (h *apiHandler) join(w http.ResponseWriter, r *http.Request) {
	var req protocol.JoinRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.reg.Join(req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) announce(w http.ResponseWriter, r *http.Request) {
	peerID, token := credentials(r)
	var ann protocol.Announcement
	if err := decodeBody(w, r, &ann); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.reg.AnnounceChunk(peerID, token, ann); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: "acknowledged"})
}

func (h *apiHandler) heartbeat(w http.ResponseWriter, r *http.Request) {
	peerID, token := credentials(r)
	if err := h.reg.Heartbeat(peerID, token); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok"})
}

func (h *apiHandler) owners(w http.ResponseWriter, r *http.Request) {
	peerID, token := credentials(r)
	idx, err := chunkIndex(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	owners, err := h.reg.GetChunkOwners(mux.Vars(r)["file_stem"], idx, peerID, token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.OwnersResponse{Owners: owners})
}

func (h *apiHandler) metadata(w http.ResponseWriter, r *http.Request) {
	peerID, token := credentials(r)
	m, err := h.reg.GetMetadata(mux.Vars(r)["file_stem"], peerID, token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *apiHandler) chunk(w http.ResponseWriter, r *http.Request) {
	peerID, token := credentials(r)
	idx, err := chunkIndex(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, err := h.reg.GetChunkBytes(mux.Vars(r)["file_stem"], idx, peerID, token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
	monitor.Global.RecordServed()
}

func (h *apiHandler) files(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.ListFiles())
}

func (h *apiHandler) registerFile(w http.ResponseWriter, r *http.Request) {
	var reg protocol.FileRegistration
	if err := decodeBody(w, r, &reg); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.reg.RegisterFile(reg); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: "registered", FileStem: reg.FileStem})
}

func (h *apiHandler) peers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.ListPeers())
}

func (h *apiHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok"})
}
