package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kwv/spawnmesh/mesh"
)

const maxScanBody = 32 << 20

// newRouter wires every HTTP endpoint of the service
func newRouter(a *App) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/clusters", a.handleClusters).Methods(http.MethodGet)
	r.HandleFunc("/clusters.geojson", a.handleGeoJSON).Methods(http.MethodGet)
	r.HandleFunc("/clusters/at", a.handleClustersAt).Methods(http.MethodGet)
	r.HandleFunc("/clusters/{id:[0-9]+}", a.handleCluster).Methods(http.MethodGet)
	r.HandleFunc("/map.svg", a.handleMapSVG).Methods(http.MethodGet)
	r.HandleFunc("/map.png", a.handleMapPNG).Methods(http.MethodGet)
	r.HandleFunc("/entities", a.handleEntities).Methods(http.MethodPost)
	r.HandleFunc("/entities/{source}", a.handleClearSource).Methods(http.MethodDelete)
	r.HandleFunc("/recluster", a.handleRecluster).Methods(http.MethodPost)
	r.HandleFunc("/runs", a.handleRuns).Methods(http.MethodGet)
	r.HandleFunc("/highlights", a.handleHighlights).Methods(http.MethodGet)
	r.HandleFunc("/highlights", a.handleHighlightDefaults).Methods(http.MethodPut)
	r.HandleFunc("/highlights/{x:-?[0-9]+}/{y:-?[0-9]+}/{z:-?[0-9]+}", a.handleHighlight).
		Methods(http.MethodPut, http.MethodDelete)
	r.Handle("/ws", a.Live)

	r.Use(logRequests)
	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// currentResult writes 503 and returns nil before the first published run
func (a *App) currentResult(w http.ResponseWriter) *mesh.Result {
	res := a.StateTracker.GetResult()
	if res == nil {
		writeError(w, http.StatusServiceUnavailable, "no result available yet")
	}
	return res
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Status     string    `json:"status"`
		Timestamp  time.Time `json:"timestamp"`
		HasResult  bool      `json:"hasResult"`
		Clusters   int       `json:"clusters"`
		Generation uint64    `json:"generation"`
		Published  uint64    `json:"published,omitempty"`
		Sources    []string  `json:"sources"`

		LastMQTT *mesh.RunStatusMessage `json:"lastMqttStatus,omitempty"`
	}{
		Status:    "ok",
		Timestamp: time.Now(),
		HasResult: a.StateTracker.HasResult(),
		Clusters:  a.StateTracker.GetResult().Len(),
		Sources:   a.StateTracker.Sources(),
	}
	if a.Runner != nil {
		status.Generation = a.Runner.Generation()
	}
	if rep := a.StateTracker.GetReport(); rep != nil {
		status.Published = rep.Generation
	}
	if a.Publisher != nil {
		if last, ok := a.Publisher.LastStatus(); ok {
			status.LastMQTT = &last
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *App) handleClusters(w http.ResponseWriter, r *http.Request) {
	if res := a.currentResult(w); res != nil {
		writeJSON(w, http.StatusOK, res)
	}
}

func (a *App) handleCluster(w http.ResponseWriter, r *http.Request) {
	res := a.currentResult(w)
	if res == nil {
		return
	}
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cluster id")
		return
	}
	c, ok := res.Cluster(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no such cluster")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *App) handleClustersAt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var coords [3]int
	for i, name := range []string{"x", "y", "z"} {
		v, err := strconv.Atoi(q.Get(name))
		if err != nil {
			writeError(w, http.StatusBadRequest, "query parameters x, y and z must be integers")
			return
		}
		coords[i] = v
	}
	res := a.currentResult(w)
	if res == nil {
		return
	}
	pos := mesh.Point{X: coords[0], Y: coords[1], Z: coords[2]}
	ids := res.ClustersAt(pos)
	if ids == nil {
		ids = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pos": pos, "clusters": ids})
}

func (a *App) handleGeoJSON(w http.ResponseWriter, r *http.Request) {
	res := a.currentResult(w)
	if res == nil {
		return
	}
	fc := mesh.ResultToFeatureCollection(res, a.StateTracker.Highlights())
	data, err := fc.MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(data)
}

func (a *App) handleMapSVG(w http.ResponseWriter, r *http.Request) {
	res := a.currentResult(w)
	if res == nil {
		return
	}
	vr := mesh.NewVectorRenderer(res, a.StateTracker.Highlights())
	vr.Colors = a.palette()
	if gs := r.URL.Query().Get("grid"); gs != "" {
		if v, err := strconv.Atoi(gs); err == nil && v >= 0 {
			vr.GridSpacing = v
		}
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	if err := vr.RenderToSVG(w); err != nil {
		log.Printf("[HTTP] error rendering SVG: %v", err)
	}
}

func (a *App) handleMapPNG(w http.ResponseWriter, r *http.Request) {
	res := a.currentResult(w)
	if res == nil {
		return
	}
	if r.URL.Query().Get("style") == "vector" {
		w.Header().Set("Content-Type", "image/png")
		vr := mesh.NewVectorRenderer(res, a.StateTracker.Highlights())
		vr.Colors = a.palette()
		if err := vr.RenderToPNG(w); err != nil {
			log.Printf("[HTTP] error rendering vector PNG: %v", err)
		}
		return
	}
	cr := mesh.NewClusterRenderer(res, a.StateTracker.Highlights())
	cr.Colors = a.palette()
	if !cr.HasDrawableContent() {
		writeError(w, http.StatusServiceUnavailable, "result has no clusters to draw")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := cr.EncodePNG(w); err != nil {
		log.Printf("[HTTP] error encoding PNG: %v", err)
	}
}

// handleEntities ingests a scan document, JSON or zstd compressed
func (a *App) handleEntities(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxScanBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scan, err := mesh.DecodeScanData(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	source := scan.Source
	if source == "" {
		source = "http"
	}
	gen, err := a.IngestScan(source, scan)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"source":     source,
		"entities":   len(scan.Entities),
		"generation": gen,
	})
}

// handleClearSource forgets a source's entities and reruns without them
func (a *App) handleClearSource(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	a.StateTracker.ClearSource(source)
	gen, err := a.Recluster(mesh.ReclusterRequest{})
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"source":     source,
		"generation": gen,
	})
}

func (a *App) handleRecluster(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := mesh.ParseReclusterRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	gen, err := a.Recluster(req)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"generation": gen,
		"options":    a.Options(),
	})
}

func writeRunError(w http.ResponseWriter, err error) {
	if errors.Is(err, mesh.ErrRunnerClosed) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func (a *App) handleRuns(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		writeError(w, http.StatusNotFound, "run history is not enabled")
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = v
	}

	var (
		runs []mesh.RunSummary
		err  error
	)
	if key := r.URL.Query().Get("key"); key != "" {
		runs, err = a.History.RunsContaining(r.Context(), key)
	} else {
		runs, err = a.History.RecentRuns(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []mesh.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type highlightEntry struct {
	Pos         mesh.Point `json:"pos"`
	Highlighted bool       `json:"highlighted"`
}

func (a *App) handleHighlights(w http.ResponseWriter, r *http.Request) {
	hl := a.StateTracker.Highlights()
	entries := make([]highlightEntry, 0)
	for p, on := range hl.Explicit() {
		entries = append(entries, highlightEntry{Pos: p, Highlighted: on})
	}
	sortHighlights(entries)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default":   hl.Default(),
		"overrides": entries,
	})
}

// handleHighlightDefaults changes the default flag and, with "reset": true,
// drops every override.
func (a *App) handleHighlightDefaults(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Default *bool `json:"default"`
		Reset   bool  `json:"reset"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	hl := a.StateTracker.Highlights()
	if body.Reset {
		hl.Reset()
	}
	if body.Default != nil {
		hl.SetDefault(*body.Default)
	}
	a.handleHighlights(w, r)
}

// handleHighlight sets (PUT, body {"highlighted": bool}) or clears (DELETE)
// the override for one position.
func (a *App) handleHighlight(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	x, _ := strconv.Atoi(vars["x"])
	y, _ := strconv.Atoi(vars["y"])
	z, _ := strconv.Atoi(vars["z"])
	pos := mesh.Point{X: x, Y: y, Z: z}
	hl := a.StateTracker.Highlights()

	if r.Method == http.MethodDelete {
		hl.Clear(pos)
		writeJSON(w, http.StatusOK, highlightEntry{Pos: pos, Highlighted: hl.Get(pos)})
		return
	}

	on := true
	if r.ContentLength != 0 {
		var body struct {
			Highlighted *bool `json:"highlighted"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if body.Highlighted != nil {
			on = *body.Highlighted
		}
	}
	hl.Set(pos, on)
	writeJSON(w, http.StatusOK, highlightEntry{Pos: pos, Highlighted: on})
}

func sortHighlights(entries []highlightEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Pos.Less(entries[j].Pos) })
}
