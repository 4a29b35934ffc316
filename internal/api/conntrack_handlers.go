// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/errors"
	"grimm.is/flowtrack/internal/events"
	"grimm.is/flowtrack/internal/logging"
	"grimm.is/flowtrack/internal/metrics"
)

// ConntrackHandlers handles connection tracking API endpoints.
type ConntrackHandlers struct {
	tracker   Tracker
	hub       *events.Hub
	collector *metrics.Collector
	logger    *logging.Logger
}

// NewConntrackHandlers creates the conntrack handlers. hub and collector
// may be nil.
func NewConntrackHandlers(tracker Tracker, hub *events.Hub, collector *metrics.Collector, logger *logging.Logger) *ConntrackHandlers {
	if logger == nil {
		logger = logging.Default()
	}
	return &ConntrackHandlers{
		tracker:   tracker,
		hub:       hub,
		collector: collector,
		logger:    logger,
	}
}

// RegisterRoutes registers the conntrack routes
func (h *ConntrackHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/stats", h.handleGetStats).Methods("GET")

	// Entries
	router.HandleFunc("/entries", h.handleListEntries).Methods("GET")
	router.HandleFunc("/entries", h.handleFlushEntries).Methods("DELETE")
	router.HandleFunc("/entries/{id:[0-9]+}", h.handleGetEntry).Methods("GET")
	router.HandleFunc("/entries/{id:[0-9]+}", h.handleDeleteEntry).Methods("DELETE")
	router.HandleFunc("/entries/{id:[0-9]+}/mark", h.handleSetMark).Methods("PUT")

	// Table sizing
	router.HandleFunc("/hashsize", h.handleSetHashSize).Methods("PUT")
	router.HandleFunc("/max", h.handleSetMax).Methods("PUT")

	// Expectations
	router.HandleFunc("/expectations", h.handleListExpectations).Methods("GET")
	router.HandleFunc("/expectations", h.handleFlushExpectations).Methods("DELETE")

	router.HandleFunc("/events", h.handleEvents).Methods("GET")
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	metrics.ConntrackStats
	Helpers []string `json:"helpers"`
}

func (h *ConntrackHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats := metrics.FromStats(h.tracker.Stats())
	if h.collector != nil {
		cached := h.collector.GetConntrackStats()
		stats.NewPS = cached.NewPS
		stats.InsertPS = cached.InsertPS
		stats.DeletePS = cached.DeletePS
		stats.InvalidPS = cached.InvalidPS
		stats.DropPS = cached.DropPS
	}
	helpers := h.tracker.Helpers()
	if helpers == nil {
		helpers = []string{}
	}
	respondWithJSON(w, http.StatusOK, StatsResponse{ConntrackStats: stats, Helpers: helpers})
}

// entryFilter selects entries by query parameters: proto (name or number)
// and addr (either tuple, either side).
type entryFilter struct {
	proto    uint8
	hasProto bool
	addr     netip.Addr
}

func parseEntryFilter(r *http.Request) (entryFilter, error) {
	var f entryFilter
	q := r.URL.Query()
	if v := q.Get("proto"); v != "" {
		p, err := parseProto(v)
		if err != nil {
			return f, err
		}
		f.proto, f.hasProto = p, true
	}
	if v := q.Get("addr"); v != "" {
		a, err := netip.ParseAddr(v)
		if err != nil {
			return f, errors.Errorf(errors.KindValidation, "invalid addr %q", v)
		}
		f.addr = a.Unmap()
	}
	return f, nil
}

func parseProto(v string) (uint8, error) {
	switch strings.ToLower(v) {
	case "tcp":
		return conntrack.ProtoTCP, nil
	case "udp":
		return conntrack.ProtoUDP, nil
	case "icmp":
		return conntrack.ProtoICMP, nil
	case "icmpv6", "ipv6-icmp":
		return conntrack.ProtoICMPv6, nil
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return 0, errors.Errorf(errors.KindValidation, "unknown protocol %q", v)
	}
	return uint8(n), nil
}

func (f entryFilter) empty() bool {
	return !f.hasProto && !f.addr.IsValid()
}

func (f entryFilter) match(orig, reply conntrack.Tuple) bool {
	if f.hasProto && orig.Proto != f.proto {
		return false
	}
	if f.addr.IsValid() && !orig.HasAddr(f.addr) && !reply.HasAddr(f.addr) {
		return false
	}
	return true
}

func (h *ConntrackHandlers) handleListEntries(w http.ResponseWriter, r *http.Request) {
	f, err := parseEntryFilter(r)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			respondWithError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	snaps := h.tracker.Entries()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })

	out := make([]EntryJSON, 0, len(snaps))
	for _, s := range snaps {
		if !f.match(s.Original, s.Reply) {
			continue
		}
		out = append(out, entryJSON(s))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"entries": out,
		"count":   len(out),
	})
}

func (h *ConntrackHandlers) handleFlushEntries(w http.ResponseWriter, r *http.Request) {
	f, err := parseEntryFilter(r)
	if err != nil {
		respondWithErr(w, err)
		return
	}

	var n int
	if f.empty() {
		n = h.tracker.FlushAll()
	} else {
		n = h.tracker.Iterate(func(c *conntrack.Conn) bool {
			return f.match(c.Original(), c.Reply())
		})
	}
	h.logger.Info("conntrack entries deleted", "count", n, "filter", r.URL.RawQuery)
	respondWithJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func entryID(r *http.Request) (uint32, error) {
	v := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, errors.Errorf(errors.KindValidation, "invalid entry id %q", v)
	}
	return uint32(id), nil
}

// withEntry resolves the {id} route variable and runs fn with a reference
// held on the entry.
func (h *ConntrackHandlers) withEntry(w http.ResponseWriter, r *http.Request, fn func(c *conntrack.Conn)) {
	id, err := entryID(r)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	c, err := h.tracker.Get(id)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	defer c.Put()
	fn(c)
}

func (h *ConntrackHandlers) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	h.withEntry(w, r, func(c *conntrack.Conn) {
		respondWithJSON(w, http.StatusOK, entryJSON(c.Snapshot(h.tracker.Now())))
	})
}

func (h *ConntrackHandlers) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	h.withEntry(w, r, func(c *conntrack.Conn) {
		if !h.tracker.Kill(c) {
			respondWithErr(w, errors.Errorf(errors.KindNotFound, "entry %d not found", c.ID()))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

type markRequest struct {
	Mark    *uint32 `json:"mark"`
	SecMark *uint32 `json:"secmark"`
}

func (h *ConntrackHandlers) handleSetMark(w http.ResponseWriter, r *http.Request) {
	var req markRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithErr(w, err)
		return
	}
	if req.Mark == nil && req.SecMark == nil {
		respondWithError(w, http.StatusBadRequest, "mark or secmark is required")
		return
	}
	h.withEntry(w, r, func(c *conntrack.Conn) {
		if req.Mark != nil {
			c.SetMark(*req.Mark)
		}
		if req.SecMark != nil {
			c.SetSecMark(*req.SecMark)
		}
		respondWithJSON(w, http.StatusOK, entryJSON(c.Snapshot(h.tracker.Now())))
	})
}

type sizeRequest struct {
	Size int `json:"size"`
}

func (h *ConntrackHandlers) handleSetHashSize(w http.ResponseWriter, r *http.Request) {
	var req sizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithErr(w, err)
		return
	}
	if err := h.tracker.SetHashSize(req.Size); err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{"hash_size": h.tracker.Stats().HashSize})
}

func (h *ConntrackHandlers) handleSetMax(w http.ResponseWriter, r *http.Request) {
	var req sizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithErr(w, err)
		return
	}
	if err := h.tracker.SetMaxEntries(req.Size); err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{"max": h.tracker.Stats().Max})
}

func (h *ConntrackHandlers) handleListExpectations(w http.ResponseWriter, r *http.Request) {
	snaps := h.tracker.Expectations()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	out := make([]ExpectationJSON, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, expectationJSON(s))
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"expectations": out,
		"count":        len(out),
	})
}

func (h *ConntrackHandlers) handleFlushExpectations(w http.ResponseWriter, r *http.Request) {
	n := h.tracker.FlushExpectations()
	respondWithJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// handleEvents streams events as server-sent events. The optional types
// query parameter takes a comma separated list of event names.
func (h *ConntrackHandlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondWithError(w, http.StatusServiceUnavailable, "event stream is disabled")
		return
	}
	var mask conntrack.EventMask
	if v := r.URL.Query().Get("types"); v != "" {
		m, unknown := conntrack.ParseEventMask(strings.Split(v, ","))
		if len(unknown) > 0 {
			respondWithError(w, http.StatusBadRequest, "unknown event types: "+strings.Join(unknown, ","))
			return
		}
		mask = m
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.hub.Subscribe(0, mask)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events.Run(r.Context(), sub, func(ev conntrack.Event) {
		data, err := json.Marshal(eventJSON(ev))
		if err != nil {
			h.logger.Warn("event encode failed", "error", err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	})
}
