package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kwv/gridmatch/scanmatch"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *scanmatch.Config
	Pyramid    *scanmatch.MapPyramid
	Tracker    *scanmatch.PoseTracker
	MQTTClient *scanmatch.MQTTClient
	Out        io.Writer

	opts AppOptions

	mu        sync.RWMutex
	publisher *scanmatch.Publisher
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Tracker: scanmatch.NewPoseTracker(),
		Out:     os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

func (a *App) setPublisher(p *scanmatch.Publisher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publisher = p
}

func (a *App) getPublisher() *scanmatch.Publisher {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.publisher
}

// loadConfig reads the config file. A missing default config.yaml falls
// back to built-in defaults so one-shot modes work with --map alone.
func (a *App) loadConfig() error {
	if a.Config != nil {
		return nil
	}
	path := a.opts.ConfigFile
	if path == "" {
		path = "config.yaml"
	}

	var cfg *scanmatch.Config
	if _, err := os.Stat(path); os.IsNotExist(err) && path == "config.yaml" {
		log.Printf("No %s found, using defaults", path)
		cfg = scanmatch.DefaultConfig()
	} else {
		cfg, err = scanmatch.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log.Printf("Loaded config from %s", path)
	}

	if a.opts.MapSource != "" {
		cfg.Map.Source = a.opts.MapSource
	}
	a.Config = cfg
	return nil
}

func (a *App) loadPyramid(ctx context.Context) error {
	if a.Pyramid != nil {
		return nil
	}
	if a.Config.Map.Source == "" {
		return errors.New("no map source: set map.source in the config or pass --map")
	}
	p, err := scanmatch.LoadPyramid(ctx, a.Config.Map)
	if err != nil {
		return fmt.Errorf("load map: %w", err)
	}
	a.Pyramid = p
	return nil
}

// prepare loads config and map for the one-shot modes.
func (a *App) prepare() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	return a.loadPyramid(context.Background())
}

// beginPose picks the initial guess for a one-shot match: the scan's own
// guess, else the configured initial pose of the robot.
func (a *App) beginPose(scan *scanmatch.ScanMessage) (string, scanmatch.Pose) {
	robotID := a.opts.RobotID
	if robotID == "" {
		robotID = scan.RobotID
	}
	fallback := scanmatch.Pose{}
	if rc := a.Config.GetRobotByID(robotID); rc != nil {
		fallback = rc.GetInitialPose()
	}
	return robotID, scan.GuessOr(fallback)
}

func (a *App) match(begin scanmatch.Pose, scan *scanmatch.ScanMessage, trace *scanmatch.MatchTrace) scanmatch.PyramidResult {
	var opts []scanmatch.MatcherOption
	if trace != nil {
		opts = append(opts, scanmatch.WithDrawSink(trace), scanmatch.WithDebugSink(trace))
	}
	return a.Pyramid.Match(begin, scan.Cloud(), a.Config.Matcher, opts...)
}

// RunMatch matches one scan file against the map and prints the result.
func (a *App) RunMatch() error {
	if a.opts.ScanFile == "" {
		return errors.New("--match needs --scan")
	}
	if err := a.prepare(); err != nil {
		return err
	}
	scan, err := scanmatch.LoadScanFile(a.opts.ScanFile)
	if err != nil {
		return err
	}

	robotID, begin := a.beginPose(scan)
	trace := scanmatch.NewMatchTrace(robotID)
	result := a.match(begin, scan, trace)
	printResult(a.Out, robotID, begin, result)

	if a.opts.TraceDir != "" {
		dir, err := scanmatch.SaveTrace(trace, a.opts.TraceDir)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Trace:        %s\n", dir)
	}
	if a.opts.OutputFile != "" {
		if err := a.renderFile(a.opts.OutputFile, scanmatch.Overlay{Trace: trace}); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Rendered:     %s\n", a.opts.OutputFile)
	}
	return nil
}

func printResult(out io.Writer, robotID string, begin scanmatch.Pose, r scanmatch.PyramidResult) {
	if robotID != "" {
		fmt.Fprintf(out, "Robot:        %s\n", robotID)
	}
	fmt.Fprintf(out, "Begin:        x=%.4f y=%.4f theta=%.4f\n", begin.X, begin.Y, begin.Theta)
	for i, lvl := range r.Levels {
		level := len(r.Levels) - 1 - i
		fmt.Fprintf(out, "  level %d:    x=%.4f y=%.4f theta=%.4f (%d evaluations, score %.3f)\n",
			level, lvl.Pose.X, lvl.Pose.Y, lvl.Pose.Theta, lvl.Evaluations, r.Scores[i])
	}
	fmt.Fprintf(out, "Pose:         x=%.4f y=%.4f theta=%.4f\n", r.Pose.X, r.Pose.Y, r.Pose.Theta)
	fmt.Fprintf(out, "Evaluations:  %d (%d degenerate)\n", r.Evaluations, r.DegenerateSteps())
	fmt.Fprintln(out, "Information:")
	for _, row := range r.InformationRows() {
		fmt.Fprintf(out, "  [%14.4f %14.4f %14.4f]\n", row[0], row[1], row[2])
	}
}

// RunRender renders the map, with the match of --scan when given.
func (a *App) RunRender() error {
	if err := a.prepare(); err != nil {
		return err
	}
	output := a.opts.OutputFile
	if output == "" {
		output = "map.png"
		if a.opts.RenderFormat == "vector" && a.opts.VectorFormat == "svg" {
			output = "map.svg"
		}
	}

	var overlay scanmatch.Overlay
	if a.opts.ScanFile != "" {
		scan, err := scanmatch.LoadScanFile(a.opts.ScanFile)
		if err != nil {
			return err
		}
		robotID, begin := a.beginPose(scan)
		overlay.Trace = scanmatch.NewMatchTrace(robotID)
		result := a.match(begin, scan, overlay.Trace)
		printResult(a.Out, robotID, begin, result)
	}

	if err := a.renderFile(output, overlay); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Rendered:     %s\n", output)
	return nil
}

func (a *App) renderFile(path string, overlay scanmatch.Overlay) error {
	grid := a.Pyramid.Finest()
	switch a.opts.RenderFormat {
	case "", "raster":
		r := scanmatch.NewMapRenderer(grid)
		if overlay.Trace != nil {
			return scanmatch.SavePNG(r.RenderTrace(overlay.Trace), path)
		}
		return scanmatch.SavePNG(r.RenderLive(overlay.Poses), path)
	case "vector":
		r := scanmatch.NewVectorRenderer(grid)
		r.GridSpacing = a.opts.GridSpacing

		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		switch a.opts.VectorFormat {
		case "", "svg":
			err = r.RenderToSVG(f, overlay)
		case "png":
			err = r.RenderToPNG(f, overlay)
		default:
			return fmt.Errorf("unknown vector format %q", a.opts.VectorFormat)
		}
		if err != nil {
			return fmt.Errorf("render %s: %w", path, err)
		}
		return f.Close()
	default:
		return fmt.Errorf("unknown render format %q", a.opts.RenderFormat)
	}
}

// processScan matches a scan for one robot, seeded from its last pose, and
// publishes the result. Scans of one robot are processed in order. It
// returns the begin pose used and the match result.
func (a *App) processScan(robotID string, scan *scanmatch.ScanMessage) (scanmatch.Pose, scanmatch.PyramidResult) {
	unlock := a.Tracker.Lock(robotID)
	defer unlock()

	begin := scan.GuessOr(a.Tracker.Guess(robotID))
	var trace *scanmatch.MatchTrace
	if a.opts.TraceDir != "" {
		trace = scanmatch.NewMatchTrace(robotID)
	}

	start := time.Now()
	result := a.match(begin, scan, trace)
	lp := a.Tracker.Update(robotID, result.MatchResult)
	log.Printf("[MATCH] %s: (%.3f,%.3f,%.3f) -> (%.3f,%.3f,%.3f) in %s, %d evaluations, %d degenerate, score %.3f",
		robotID, begin.X, begin.Y, begin.Theta, lp.Pose.X, lp.Pose.Y, lp.Pose.Theta,
		time.Since(start).Round(time.Microsecond), lp.Evaluations, lp.DegenerateSteps, result.Score())

	if trace != nil {
		if _, err := scanmatch.SaveTrace(trace, a.opts.TraceDir); err != nil {
			log.Printf("[MATCH] %s: saving trace failed: %v", robotID, err)
		}
	}
	if pub := a.getPublisher(); pub != nil {
		if err := pub.PublishPose(lp); err != nil {
			log.Printf("[MQTT] Error publishing pose for %s: %v", robotID, err)
		}
	}
	return begin, result
}

func (a *App) handleScan(robotID string, scan *scanmatch.ScanMessage, err error) {
	if err != nil {
		log.Printf("[MQTT] %s: dropping scan: %v", robotID, err)
		return
	}
	a.processScan(robotID, scan)
}

func (a *App) handleCommand(robotID, command string) {
	switch command {
	case "reset":
		a.Tracker.Clear(robotID)
		if pub := a.getPublisher(); pub != nil {
			pub.ClearPose(robotID)
		}
		log.Printf("[MQTT] %s: pose reset", robotID)
	default:
		log.Printf("[MQTT] %s: unknown command %q", robotID, command)
	}
}

// RunService runs the MQTT and/or HTTP surfaces until interrupted.
func (a *App) RunService() error {
	if !a.opts.MqttMode && !a.opts.HttpMode {
		return errors.New("no service enabled: pass --mqtt and/or --http (or --match / --render)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.loadConfig(); err != nil {
		return err
	}
	if err := a.loadPyramid(ctx); err != nil {
		return err
	}
	if a.opts.PoseCache != "" {
		a.Tracker = scanmatch.NewPoseTrackerWithCache(a.opts.PoseCache)
	}
	a.Tracker.Configure(a.Config.Robots)

	if a.opts.MqttMode {
		client, err := scanmatch.InitMQTT(a.Config, a.handleScan)
		if err != nil {
			return fmt.Errorf("initialize MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = client
		client.SetCommandHandler(a.handleCommand)
		a.setPublisher(scanmatch.NewPublisher(client.GetClient(), a.Config.MQTT.PublishPrefix))
	}

	var srv *http.Server
	if a.opts.HttpMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.opts.HttpPort),
			Handler:           newHTTPServer(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	a.printServiceInfo()
	<-ctx.Done()

	fmt.Fprintln(a.Out, "\nShutting down service...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")

	if pub := a.getPublisher(); pub != nil {
		fmt.Fprintln(a.Out, "\nMQTT:")
		fmt.Fprintln(a.Out, "  Subscribed topics:")
		for _, rc := range a.Config.Robots {
			if rc.ScanTopic != "" {
				fmt.Fprintf(a.Out, "    - %s (%s)\n", rc.ScanTopic, rc.ID)
			}
		}
		fmt.Fprintf(a.Out, "  Publishing to: %s\n", pub.PoseTopic("{robotID}"))
		fmt.Fprintf(a.Out, "  Combined poses: %s\n", pub.CombinedTopic())
	}

	if a.opts.HttpMode {
		fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.opts.HttpPort)
		fmt.Fprintln(a.Out, "  GET  /health   - Health check")
		fmt.Fprintln(a.Out, "  GET  /poses    - Live poses (JSON)")
		fmt.Fprintln(a.Out, "  GET  /map.png  - Occupancy grid with live poses")
		fmt.Fprintln(a.Out, "  GET  /map.svg  - Vector occupancy grid with live poses")
		fmt.Fprintln(a.Out, "  POST /match    - Match a scan (JSON in, result JSON out)")
	}

	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}
