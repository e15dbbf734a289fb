package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/kwv/spawnmesh/mesh"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *mesh.Config
	StateTracker *mesh.StateTracker
	Runner       *mesh.Runner
	MQTTClient   *mesh.MQTTClient
	Publisher    *mesh.Publisher
	History      *mesh.History
	Live         *liveHub
	Out          io.Writer

	opts AppOptions

	mu      sync.RWMutex
	current mesh.Options // options for service runs; recluster overrides stick

	server *http.Server

	// connectMQTT builds the MQTT client; replaced in tests
	connectMQTT func(*mesh.Config, mesh.ScanHandler, mesh.CommandHandler) (*mesh.MQTTClient, error)
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: mesh.NewStateTracker(),
		Live:         newLiveHub(),
		Out:          os.Stdout,
		connectMQTT:  mesh.InitMQTT,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// resolvePath places relative default file names inside the data directory
func (a *App) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || a.opts.DataDir == "" || a.opts.DataDir == "." {
		return p
	}
	return filepath.Join(a.opts.DataDir, p)
}

// loadConfig reads the config file. When required is false a missing file
// at the default location falls back to DefaultConfig.
func (a *App) loadConfig(required bool) error {
	path := a.opts.ConfigFile
	if path == "" {
		path = "config.yaml"
	}
	if path == "config.yaml" {
		path = a.resolvePath(path)
	}

	config, err := mesh.LoadConfig(path)
	if err != nil {
		_, statErr := os.Stat(path)
		if required || a.opts.IsSet("config") || !os.IsNotExist(statErr) {
			return fmt.Errorf("failed to load config: %w (looked at %s)", err, path)
		}
		log.Printf("No config at %s, using defaults", path)
		config = mesh.DefaultConfig()
	} else {
		log.Printf("Loaded config from %s", path)
	}
	a.Config = config
	return nil
}

// baseOptions layers command line overrides over base
func (a *App) baseOptions(base mesh.Options) (mesh.Options, error) {
	opts := base
	if a.opts.Radius != 0 {
		opts.Radius = a.opts.Radius
	}
	if a.opts.SortMode != "" {
		mode, err := mesh.ParseSortMode(a.opts.SortMode)
		if err != nil {
			return base, err
		}
		opts.SortMode = mode
	}
	if a.opts.IsSet("descending") {
		opts.Descending = a.opts.Descending
	}
	if a.opts.Reference != "" {
		ref, err := mesh.ParsePoint(a.opts.Reference)
		if err != nil {
			return base, fmt.Errorf("--reference: %w", err)
		}
		opts.Reference = ref
	}
	if err := mesh.ValidateOptions(&opts); err != nil {
		return base, err
	}
	return opts, nil
}

// palette returns the configured map colours, or the default palette
func (a *App) palette() []mesh.ClusterColor {
	if a.Config == nil || len(a.Config.Render.Palette) == 0 {
		return mesh.DefaultColors()
	}
	return mesh.PaletteFromHex(a.Config.Render.Palette)
}

func (a *App) budget() time.Duration {
	if a.opts.Budget > 0 {
		return a.opts.Budget
	}
	if a.Config != nil {
		return a.Config.Clustering.Budget
	}
	return 0
}

// openHistory opens the configured history database, if any
func (a *App) openHistory() error {
	if a.Config == nil || a.Config.Storage.HistoryDB == "" || a.History != nil {
		return nil
	}
	h, err := mesh.OpenHistory(a.resolvePath(a.Config.Storage.HistoryDB))
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	a.History = h
	return nil
}

// RunCluster clusters a single scan file, prints a summary and writes
// --output when set.
func (a *App) RunCluster() error {
	if err := a.loadConfig(false); err != nil {
		return err
	}

	scan, err := mesh.ParseScanFile(a.opts.ScanFile)
	if err != nil {
		return fmt.Errorf("reading scan: %w", err)
	}
	opts, err := a.baseOptions(scan.ApplyTo(a.Config.Clustering.Options))
	if err != nil {
		return err
	}

	if err := a.openHistory(); err != nil {
		log.Printf("[HISTORY] warning: %v", err)
	}
	defer func() { _ = a.History.Close() }()

	summary := mesh.Summarize(scan)
	_, _ = fmt.Fprintf(a.Out, "Scan: %s (%d entities)\n", scan.Source, summary.Count)
	if summary.Count > 0 {
		_, _ = fmt.Fprintf(a.Out, "Extent: %s .. %s\n", summary.Min, summary.Max)
		tags := make([]string, len(summary.TagNames))
		for i, t := range summary.TagNames {
			tags[i] = fmt.Sprintf("%s=%d", t, summary.Tags[t])
		}
		_, _ = fmt.Fprintf(a.Out, "Tags: %s\n", strings.Join(tags, " "))
	}

	report, err := a.runOnce(scan.Entities, opts)
	if err != nil {
		return err
	}
	if a.History != nil {
		if err := a.History.RecordRun(context.Background(), report); err != nil {
			log.Printf("[HISTORY] warning: %v", err)
		}
	}
	if report.Status != mesh.StatusPublished {
		return fmt.Errorf("run %s: %s", report.Status, report.Error)
	}

	printResult(a.Out, report)

	if a.opts.OutputFile != "" {
		if err := writeOutput(a.opts.OutputFile, report, a.StateTracker.Highlights(), a.palette()); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(a.Out, "Wrote %s\n", a.opts.OutputFile)
	}
	return nil
}

// runOnce drives a single run through a Runner so one-shot runs get the same
// budget handling and run IDs as the service.
func (a *App) runOnce(entities []mesh.Entity, opts mesh.Options) (*mesh.RunReport, error) {
	runner := mesh.NewRunner(a.budget())
	defer runner.Close()

	var report *mesh.RunReport
	keep := func(r *mesh.RunReport) { report = r }
	runner.OnPublish(keep)
	runner.OnDiscard(keep)

	if _, err := runner.Submit(entities, opts); err != nil {
		return nil, err
	}
	runner.Wait()
	if report == nil {
		return nil, errors.New("run finished without a report")
	}
	return report, nil
}

func printResult(out io.Writer, report *mesh.RunReport) {
	res := report.Result
	_, _ = fmt.Fprintf(out, "\nRun %s: %d clusters from %d entities in %s (radius %g, sort %s)\n\n",
		report.RunID, res.Len(), res.EntityCount, report.Duration.Round(time.Millisecond),
		res.Options.Radius, res.Options.SortMode)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSIZE\tBLOCKS\tMEMBERS")
	for _, c := range res.Clusters {
		members := make([]string, len(c.Members))
		for i, m := range c.Members {
			members[i] = m.Pos.String()
			if m.Tag != "" {
				members[i] += " " + m.Tag
			}
		}
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", c.ID, c.Size(), len(c.Volume), strings.Join(members, "; "))
	}
	_ = tw.Flush()
}

// writeOutput writes the result in the format implied by path's extension
func writeOutput(path string, report *mesh.RunReport, highlights *mesh.Overrides, colors []mesh.ClusterColor) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".zst":
		return mesh.SaveSnapshot(path, report)
	case ".png":
		cr := mesh.NewClusterRenderer(report.Result, highlights)
		cr.Colors = colors
		return cr.SavePNG(path)
	case ".geojson", ".json":
		data, err := json.MarshalIndent(mesh.ResultToFeatureCollection(report.Result, highlights), "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0644)
	case ".svg":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		vr := mesh.NewVectorRenderer(report.Result, highlights)
		vr.Colors = colors
		if err := vr.RenderToSVG(f); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	default:
		return fmt.Errorf("unsupported output format %q (want .geojson, .svg, .png or .zst)", ext)
	}
}

// RunHistory prints the most recent runs
func (a *App) RunHistory() error {
	if err := a.loadConfig(false); err != nil {
		return err
	}
	if a.Config.Storage.HistoryDB == "" {
		return errors.New("storage.historyDb is not configured")
	}
	if err := a.openHistory(); err != nil {
		return err
	}
	defer func() { _ = a.History.Close() }()

	runs, err := a.History.RecentRuns(context.Background(), a.opts.HistoryLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(a.Out, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tGEN\tSTATUS\tENTITIES\tCLUSTERS\tDURATION\tRUN")
	for _, r := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Generation, r.Status,
			r.EntityCount, r.ClusterCount, r.Duration.Round(time.Millisecond), r.RunID)
	}
	return tw.Flush()
}

// Options returns the options used for the next service run
func (a *App) Options() mesh.Options {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Recluster submits a run over every known entity. Overrides in req stay in
// effect for later runs.
func (a *App) Recluster(req mesh.ReclusterRequest) (uint64, error) {
	// Submit does not block, so the lock keeps option order and submit order
	// in step across concurrent callers.
	a.mu.Lock()
	defer a.mu.Unlock()

	opts, err := req.ApplyTo(a.current)
	if err != nil {
		return 0, err
	}
	gen, err := a.Runner.Submit(a.StateTracker.AllEntities(), opts)
	if err != nil {
		return 0, err
	}
	a.current = opts
	return gen, nil
}

// IngestScan stores a source's entities and triggers a run
func (a *App) IngestScan(sourceID string, scan *mesh.Scan) (uint64, error) {
	a.StateTracker.UpdateEntities(sourceID, scan.Entities)
	log.Printf("[SCAN] %s: %d entities", sourceID, len(scan.Entities))

	var req mesh.ReclusterRequest
	if scan.Radius > 0 {
		r := scan.Radius
		req.Radius = &r
	}
	req.Reference = scan.Reference
	return a.Recluster(req)
}

func (a *App) onPublish(report *mesh.RunReport) {
	a.StateTracker.SetReport(report)
	a.recordAndAnnounce(report)
}

func (a *App) onDiscard(report *mesh.RunReport) {
	a.recordAndAnnounce(report)
}

func (a *App) recordAndAnnounce(report *mesh.RunReport) {
	if a.History != nil {
		if err := a.History.RecordRun(context.Background(), report); err != nil {
			log.Printf("[HISTORY] failed to record run %d: %v", report.Generation, err)
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishResult(report); err != nil {
			log.Printf("[MQTT] failed to publish run %d: %v", report.Generation, err)
		}
	}
	if a.Live != nil {
		a.Live.Broadcast(report)
	}
}

// Start brings up every enabled service component without blocking
func (a *App) Start(ctx context.Context) error {
	if err := a.loadConfig(true); err != nil {
		return err
	}
	opts, err := a.baseOptions(a.Config.Clustering.Options)
	if err != nil {
		return err
	}
	a.current = opts

	if a.Config.Storage.Snapshot != "" {
		a.StateTracker = mesh.NewStateTrackerWithSnapshot(a.resolvePath(a.Config.Storage.Snapshot))
	}
	if err := a.openHistory(); err != nil {
		return err
	}

	a.Runner = mesh.NewRunner(a.budget())
	a.Runner.OnPublish(a.onPublish)
	a.Runner.OnDiscard(a.onDiscard)

	a.pullSources(ctx)

	if a.opts.MqttMode {
		scanHandler := func(sourceID string, scan *mesh.Scan, err error) {
			if err != nil {
				log.Printf("[SCAN] %s: rejected payload: %v", sourceID, err)
				return
			}
			if _, err := a.IngestScan(sourceID, scan); err != nil {
				log.Printf("[SCAN] %s: %v", sourceID, err)
			}
		}
		commandHandler := func(req mesh.ReclusterRequest) {
			if _, err := a.Recluster(req); err != nil {
				log.Printf("[MQTT] recluster rejected: %v", err)
			}
		}

		client, err := a.connectMQTT(a.Config, scanHandler, commandHandler)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = client
		a.Publisher = mesh.NewPublisher(client.GetClient(), a.Config)
	}

	if a.opts.HttpMode {
		a.server = &http.Server{
			Addr:         fmt.Sprintf("0.0.0.0:%d", a.opts.HttpPort),
			Handler:      newRouter(a),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] starting server on %s", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] server error: %v", err)
			}
		}()
	}

	if len(a.StateTracker.AllEntities()) > 0 {
		if _, err := a.Recluster(mesh.ReclusterRequest{}); err != nil {
			log.Printf("[RUNNER] initial run rejected: %v", err)
		}
	}
	return nil
}

// pullSources fetches the initial scan of every source with an apiUrl
func (a *App) pullSources(ctx context.Context) {
	for _, src := range a.Config.Sources {
		if src.ApiURL == nil || *src.ApiURL == "" {
			continue
		}
		scan, err := mesh.FetchSourceScan(ctx, src)
		if err != nil {
			log.Printf("[SCAN] initial pull failed: %v", err)
			continue
		}
		a.StateTracker.UpdateEntities(src.ID, scan.Entities)
		log.Printf("[SCAN] %s: pulled %d entities from %s", src.ID, len(scan.Entities), *src.ApiURL)
	}
}

// Shutdown stops every component started by Start
func (a *App) Shutdown() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.server.Shutdown(ctx); err != nil {
			log.Printf("[HTTP] shutdown error: %v", err)
		}
		cancel()
	}
	if a.Runner != nil {
		a.Runner.Close()
	}
	if a.Live != nil {
		a.Live.Close()
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			log.Printf("[HISTORY] close error: %v", err)
		}
	}
}

// RunService runs MQTT and/or HTTP until interrupted
func (a *App) RunService() error {
	_, _ = fmt.Fprintln(a.Out, "Starting spawnmesh service...")
	if err := a.Start(context.Background()); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(a.Out, "\nService Running")
	_, _ = fmt.Fprintln(a.Out, "===============")
	if a.MQTTClient != nil {
		_, _ = fmt.Fprintln(a.Out, "\nMQTT:")
		_, _ = fmt.Fprintln(a.Out, "  Subscribed topics:")
		for _, src := range a.Config.Sources {
			_, _ = fmt.Fprintf(a.Out, "    - %s (%s)\n", src.Topic, src.ID)
		}
		_, _ = fmt.Fprintf(a.Out, "    - %s (commands)\n", a.MQTTClient.CommandTopic())
		_, _ = fmt.Fprintf(a.Out, "  Publishing to: %s, %s\n", a.Publisher.ClustersTopic(), a.Publisher.StatusTopic())
	}
	if a.server != nil {
		_, _ = fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.opts.HttpPort)
		_, _ = fmt.Fprintln(a.Out, "  GET  /health            - Health check")
		_, _ = fmt.Fprintln(a.Out, "  GET  /clusters          - Current result")
		_, _ = fmt.Fprintln(a.Out, "  GET  /clusters.geojson  - GeoJSON export")
		_, _ = fmt.Fprintln(a.Out, "  GET  /map.svg, /map.png - Debug maps")
		_, _ = fmt.Fprintln(a.Out, "  POST /entities          - Submit a scan")
		_, _ = fmt.Fprintln(a.Out, "  POST /recluster         - Request a new run")
		_, _ = fmt.Fprintln(a.Out, "  GET  /ws                - Live result feed")
	}
	_, _ = fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	_, _ = fmt.Fprintln(a.Out, "\nShutting down service...")
	a.Shutdown()
	_, _ = fmt.Fprintln(a.Out, "Service stopped")
	return nil
}
