package peer

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/gorilla/mux"

	"tarun-kavipurapu/p2p-chunknet/pkg/logger"
	"tarun-kavipurapu/p2p-chunknet/pkg/monitor"
	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
	"tarun-kavipurapu/p2p-chunknet/pkg/storage"
)

// NewChunkRouter serves this peer's chunks to other peers. Credentials in
// the query string are accepted but not checked: only the tracker holds the
// token table.
func NewChunkRouter(layout storage.Layout) *mux.Router {
	router := mux.NewRouter().UseEncodedPath()
	router.HandleFunc("/chunk/{file_stem}/{chunk_index}", func(w http.ResponseWriter, r *http.Request) {
		serveChunk(layout, w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok"})
	}).Methods(http.MethodGet)
	return router
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, protocol.HTTPStatus(err), protocol.ErrorResponse{Detail: err.Error()})
}

func serveChunk(layout storage.Layout, w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	idx, err := strconv.Atoi(vars["chunk_index"])
	if err != nil || idx < 0 {
		writeError(w, fmt.Errorf("%w: bad chunk index %q", protocol.ErrInvalid, vars["chunk_index"]))
		return
	}

	stem := vars["file_stem"]
	candidates := []string{stem}
	if u, err := url.PathUnescape(stem); err == nil && u != stem {
		candidates = append(candidates, u)
	}
	for _, s := range candidates {
		path, ok := layout.LocateChunk(s, idx)
		if !ok {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", protocol.ErrIO, err))
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, f); err != nil {
			logger.Sugar.Debugf("[PeerServer] chunk write to %s aborted: %v", r.RemoteAddr, err)
			return
		}
		monitor.Global.RecordServed()
		return
	}
	writeError(w, fmt.Errorf("%w: chunk %s/%d", protocol.ErrNotFound, stem, idx))
}
