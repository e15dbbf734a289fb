package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command line
type AppOptions struct {
	ConfigFile   string
	DataDir      string
	ScanFile     string
	Radius       float64 // 0 keeps the configured radius
	SortMode     string  // empty keeps the configured mode
	Descending   bool
	Reference    string // "x,y,z"; empty keeps the configured reference
	OutputFile   string
	History      bool
	HistoryLimit int
	MqttMode     bool
	HttpMode     bool
	HttpPort     int
	Budget       time.Duration // 0 keeps the configured budget

	// explicitly set flags, so false/zero values can still override config
	setFlags map[string]bool
}

// IsSet reports whether the named flag appeared on the command line
func (o AppOptions) IsSet(name string) bool {
	return o.setFlags[name]
}

type appRunner interface {
	ApplyOptions(opts AppOptions)
	RunCluster() error
	RunHistory() error
	RunService() error
}

func run(args []string, out io.Writer, app appRunner) error {
	fs := flag.NewFlagSet("spawnmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.DataDir, "data-dir", ".", "Directory for config, snapshot and history files")
	fs.StringVar(&opts.ScanFile, "scan", "", "Cluster an entity scan file and exit")
	fs.Float64Var(&opts.Radius, "radius", 0, "Activation radius in blocks (default: from config)")
	fs.StringVar(&opts.SortMode, "sort", "", "Sort mode: none, size or proximity (default: from config)")
	fs.BoolVar(&opts.Descending, "descending", false, "Sort in descending order")
	fs.StringVar(&opts.Reference, "reference", "", "Reference position x,y,z for proximity sorting")
	fs.StringVar(&opts.OutputFile, "output", "", "Write the result to FILE (.geojson, .svg, .png or .zst)")
	fs.BoolVar(&opts.History, "history", false, "Print recent runs from the history database and exit")
	fs.IntVar(&opts.HistoryLimit, "history-limit", 20, "Number of runs printed by --history")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run the MQTT service")
	fs.BoolVar(&opts.HttpMode, "http", false, "Run the HTTP server")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	fs.DurationVar(&opts.Budget, "budget", 0, "Wall-clock budget per clustering run, e.g. 30s (default: from config)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	opts.setFlags = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.setFlags[f.Name] = true })

	_, _ = fmt.Fprintf(out, "spawnmesh version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.ScanFile != "":
		return app.RunCluster()
	case opts.History:
		return app.RunHistory()
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	}

	_, _ = fmt.Fprintln(out, "Nothing to do.")
	_, _ = fmt.Fprintln(out, "Use --scan FILE to cluster a scan (add --output map.svg for a debug map)")
	_, _ = fmt.Fprintln(out, "Use --history to list recent runs")
	_, _ = fmt.Fprintln(out, "Use --mqtt and/or --http to run the service")
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "spawnmesh: %v\n", err)
		os.Exit(1)
	}
}
