package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile   string
	MapSource    string
	ScanFile     string
	RobotID      string
	OutputFile   string
	RenderFormat string
	VectorFormat string
	GridSpacing  float64
	TraceDir     string
	PoseCache    string
	HttpPort     int
	MatchOnly    bool
	RenderOnly   bool
	MqttMode     bool
	HttpMode     bool
}

// Runner is the set of modes run dispatches to.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunMatch() error
	RunRender() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("gridmatch", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.MapSource, "map", "", "Map file or URL (overrides map.source in config)")
	fs.StringVar(&opts.ScanFile, "scan", "", "Scan JSON file for --match and --render")
	fs.StringVar(&opts.RobotID, "robot", "", "Robot ID whose initial pose seeds the match (default: scan robotId)")
	fs.BoolVar(&opts.MatchOnly, "match", false, "Match one scan against the map, print the result and exit")
	fs.BoolVar(&opts.RenderOnly, "render", false, "Render the map (and the match of --scan, if given) and exit")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file for --render (or --match) rendering")
	fs.StringVar(&opts.RenderFormat, "format", "raster", "Render format: raster or vector")
	fs.StringVar(&opts.VectorFormat, "vector-format", "svg", "Vector output format: svg or png")
	fs.Float64Var(&opts.GridSpacing, "grid-spacing", 1.0, "Vector grid line spacing in metres (0 disables)")
	fs.StringVar(&opts.TraceDir, "trace-dir", "", "Write a match trace (JSON, GeoJSON, plots) under this directory")
	fs.StringVar(&opts.PoseCache, "pose-cache", "", "Persist live poses to this JSON file in service mode")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Match scans received over MQTT and publish poses")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable the HTTP server")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "gridmatch version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.MatchOnly:
		return app.RunMatch()
	case opts.RenderOnly:
		return app.RunRender()
	default:
		fmt.Fprintln(out, "gridmatch service starting...")
		return app.RunService()
	}
}
