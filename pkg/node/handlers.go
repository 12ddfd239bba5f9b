package node

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Healthz returns 200 OK to indicate the node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, current time, item
// count and the cluster view.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type peer struct {
		Addr  string `json:"addr"`
		State string `json:"state"`
	}
	type resp struct {
		ID    int             `json:"pid"`
		Now   time.Time       `json:"now"`
		Items int             `json:"items"`
		Peers map[string]peer `json:"peers"`
	}
	now := time.Now()
	peers := map[string]peer{}
	for id, addr := range n.ring.Nodes() {
		peers[id] = peer{Addr: addr, State: n.detector.StateOf(id, now).String()}
	}
	data, _ := json.Marshal(resp{ID: os.Getpid(), Now: now, Items: n.store.Len(), Peers: peers})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Keys handles /keys/{key}: PUT/POST stores the key (body is the
// optional value, ?ttl=seconds the optional expiry), GET fetches the
// value, DELETE removes it. Keys are decimal 64-bit surrogates; the
// application hashes its native keys into that space.
func (n *Node) Keys(w http.ResponseWriter, req *http.Request) {
	raw := strings.TrimPrefix(req.URL.Path, "/keys/")
	key, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "key must be a 64-bit unsigned integer", http.StatusBadRequest)
		return
	}

	switch req.Method {
	case http.MethodPut, http.MethodPost:
		val, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var ttl time.Duration
		if ttlStr := req.URL.Query().Get("ttl"); ttlStr != "" {
			sec, err := strconv.Atoi(ttlStr)
			if err != nil {
				http.Error(w, "invalid ttl", http.StatusBadRequest)
				return
			}
			ttl = time.Duration(sec) * time.Second
		}
		n.store.Put(key, val, ttl)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		val, ok := n.store.Get(key)
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(val)

	case http.MethodDelete:
		n.store.Delete(key)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Reconcile handles POST /reconcile/{peer}: runs one PBS session as the
// initiator against the named peer and reports the outcome.
func (n *Node) Reconcile(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peerID := strings.TrimPrefix(req.URL.Path, "/reconcile/")
	if peerID == "" || peerID == n.cfg.ID {
		http.Error(w, "need a peer id other than self", http.StatusBadRequest)
		return
	}
	addr, ok := n.ring.Addr(peerID)
	if !ok {
		http.Error(w, "unknown peer", http.StatusNotFound)
		return
	}
	if !n.detector.Alive(peerID, time.Now()) {
		http.Error(w, "peer believed dead", http.StatusServiceUnavailable)
		return
	}

	stats, err := n.ReconcileWith(req.Context(), peerID, addr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	data, _ := json.Marshal(stats)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
