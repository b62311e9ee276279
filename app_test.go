package main

import (
	"bytes"
	"encoding/json"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/gridmatch/scanmatch"
)

// The room map is a Valetudo export at 5 cm per pixel with walls at pixels
// 20 and 60 on both axes. Fitted at 5 cm, the wall peaks sit at world 1.0
// and 3.0, so a robot in the middle sees every wall 1 m away.
const (
	roomWallLow  = 20
	roomWallHigh = 60
)

var (
	roomTruth   = scanmatch.Pose{X: 2.0, Y: 2.0}
	roomInitial = scanmatch.Pose{X: 2.03, Y: 1.97, Theta: 0.02}
)

func roomValetudoMap() *scanmatch.ValetudoMap {
	var floor, wall []int
	for y := roomWallLow; y <= roomWallHigh; y++ {
		for x := roomWallLow; x <= roomWallHigh; x++ {
			if x == roomWallLow || x == roomWallHigh || y == roomWallLow || y == roomWallHigh {
				wall = append(wall, x, y)
			} else {
				floor = append(floor, x, y)
			}
		}
	}
	return &scanmatch.ValetudoMap{
		Class:     "ValetudoMap",
		MetaData:  scanmatch.MapMetaData{Version: 2, Nonce: "room"},
		Size:      scanmatch.Size{X: 100, Y: 100},
		PixelSize: 5,
		Layers: []scanmatch.MapLayer{
			{Type: "floor", Pixels: floor},
			{Type: "wall", Pixels: wall},
		},
	}
}

// roomScanMessage samples the four walls as seen from roomTruth.
func roomScanMessage(robotID string, guess *scanmatch.Pose) *scanmatch.ScanMessage {
	msg := &scanmatch.ScanMessage{RobotID: robotID, Guess: guess}
	for i := -15; i <= 15; i++ {
		d := float64(i) * 0.05
		msg.Points = append(msg.Points,
			[2]float64{-1.0, d},
			[2]float64{1.0, d},
			[2]float64{d, -1.0},
			[2]float64{d, 1.0},
		)
	}
	return msg
}

func writeJSONFile(t *testing.T, path string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func scanPayload(t *testing.T, msg *scanmatch.ScanMessage) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

// newTestApp writes the room map and a config naming robot r1 into a temp
// directory and returns an App pointed at them.
func newTestApp(t *testing.T, opts AppOptions) (*App, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()

	cfg := scanmatch.DefaultConfig()
	cfg.Map.Source = writeJSONFile(t, filepath.Join(dir, "map.json"), roomValetudoMap())
	initial := roomInitial
	cfg.Robots = []scanmatch.RobotConfig{
		{ID: "r1", ScanTopic: "robots/r1/scan", Color: "#00FF00", InitialPose: &initial},
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, scanmatch.SaveConfig(cfgPath, cfg))

	if opts.ConfigFile == "" {
		opts.ConfigFile = cfgPath
	}
	if opts.GridSpacing == 0 {
		opts.GridSpacing = 1.0
	}

	var out bytes.Buffer
	a := NewApp()
	a.Out = &out
	a.ApplyOptions(opts)
	return a, &out
}

func assertNearTruth(t *testing.T, got scanmatch.Pose) {
	t.Helper()
	assert.InDelta(t, roomTruth.X, got.X, 0.03, "x")
	assert.InDelta(t, roomTruth.Y, got.Y, 0.03, "y")
	assert.InDelta(t, roomTruth.Theta, got.Theta, 0.02, "theta")
}

func TestNewApp(t *testing.T) {
	a := NewApp()
	require.NotNil(t, a.Tracker)
	assert.Nil(t, a.Config)
	assert.Nil(t, a.Pyramid)
	assert.Nil(t, a.getPublisher())
	assert.Equal(t, os.Stdout, a.Out)
}

func TestApp_LoadConfig(t *testing.T) {
	a, _ := newTestApp(t, AppOptions{MapSource: "/override/map.json"})
	require.NoError(t, a.loadConfig())
	assert.Equal(t, "/override/map.json", a.Config.Map.Source)
	require.Len(t, a.Config.Robots, 1)
	assert.Equal(t, roomInitial, a.Config.Robots[0].GetInitialPose())

	missing, _ := newTestApp(t, AppOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml")})
	err := missing.loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestApp_LoadPyramid(t *testing.T) {
	a, _ := newTestApp(t, AppOptions{})
	require.NoError(t, a.prepare())
	require.NotNil(t, a.Pyramid)
	assert.Equal(t, 3, a.Pyramid.Levels())

	grid := a.Pyramid.Finest()
	assert.InDelta(t, 0.05, grid.CellLength, 1e-12)
	assert.Equal(t, 41+8, grid.SizeX)

	noSource, _ := newTestApp(t, AppOptions{})
	require.NoError(t, noSource.loadConfig())
	noSource.Config.Map.Source = ""
	err := noSource.loadPyramid(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no map source")
}

func TestApp_MatchConverges(t *testing.T) {
	a, _ := newTestApp(t, AppOptions{})
	require.NoError(t, a.prepare())

	result := a.match(roomInitial, roomScanMessage("", nil), nil)
	assertNearTruth(t, result.Pose)
	assert.Len(t, result.Levels, 3)
	assert.Equal(t, result.MatchResult, result.Levels[2])
}

func TestApp_BeginPose(t *testing.T) {
	a, _ := newTestApp(t, AppOptions{})
	require.NoError(t, a.loadConfig())

	id, begin := a.beginPose(roomScanMessage("r1", nil))
	assert.Equal(t, "r1", id)
	assert.Equal(t, roomInitial, begin)

	guess := scanmatch.Pose{X: 1.9, Y: 2.1}
	_, begin = a.beginPose(roomScanMessage("r1", &guess))
	assert.Equal(t, guess, begin)

	_, begin = a.beginPose(roomScanMessage("unknown", nil))
	assert.Equal(t, scanmatch.Pose{}, begin)

	a.opts.RobotID = "r1"
	id, begin = a.beginPose(roomScanMessage("", nil))
	assert.Equal(t, "r1", id)
	assert.Equal(t, roomInitial, begin)
}

func TestApp_RunMatch(t *testing.T) {
	dir := t.TempDir()
	scanPath := writeJSONFile(t, filepath.Join(dir, "scan.json"), roomScanMessage("r1", nil))
	traceDir := filepath.Join(dir, "traces")
	output := filepath.Join(dir, "match.png")

	a, out := newTestApp(t, AppOptions{
		MatchOnly:  true,
		ScanFile:   scanPath,
		TraceDir:   traceDir,
		OutputFile: output,
	})
	require.NoError(t, a.RunMatch())

	text := out.String()
	assert.Contains(t, text, "Robot:        r1")
	assert.Contains(t, text, "Begin:        x=2.0300 y=1.9700 theta=0.0200")
	assert.Contains(t, text, "  level 2:")
	assert.Contains(t, text, "  level 0:")
	assert.Contains(t, text, "Pose:         x=")
	assert.Contains(t, text, "Information:")
	assert.Contains(t, text, "Rendered:     "+output)

	entries, err := os.ReadDir(traceDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	traceFile := filepath.Join(traceDir, entries[0].Name(), "trace.json")
	assert.FileExists(t, traceFile)
	assert.Contains(t, text, "Trace:        "+filepath.Join(traceDir, entries[0].Name()))

	trace, err := scanmatch.LoadTrace(traceFile)
	require.NoError(t, err)
	assert.Equal(t, "r1", trace.RobotID)
	assert.Len(t, trace.Levels, 3)

	f, err := os.Open(output)
	require.NoError(t, err)
	defer f.Close()
	_, err = png.DecodeConfig(f)
	assert.NoError(t, err)
}

func TestApp_RunMatch_Errors(t *testing.T) {
	a, _ := newTestApp(t, AppOptions{MatchOnly: true})
	err := a.RunMatch()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--scan")

	a, _ = newTestApp(t, AppOptions{MatchOnly: true, ScanFile: filepath.Join(t.TempDir(), "missing.json")})
	err = a.RunMatch()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading scan file")

	empty := writeJSONFile(t, filepath.Join(t.TempDir(), "empty.json"), scanmatch.ScanMessage{RobotID: "r1"})
	a, _ = newTestApp(t, AppOptions{MatchOnly: true, ScanFile: empty})
	assert.ErrorIs(t, a.RunMatch(), scanmatch.ErrEmptyScan)

	a, _ = newTestApp(t, AppOptions{MatchOnly: true, ScanFile: empty, MapSource: filepath.Join(t.TempDir(), "nomap.json")})
	err = a.RunMatch()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load map")
}

func TestApp_RunRender(t *testing.T) {
	dir := t.TempDir()
	scanPath := writeJSONFile(t, filepath.Join(dir, "scan.json"), roomScanMessage("r1", nil))

	tests := []struct {
		name   string
		opts   AppOptions
		output string
		check  func(t *testing.T, data []byte)
	}{
		{
			name:   "Raster",
			opts:   AppOptions{RenderFormat: "raster"},
			output: "raster.png",
			check: func(t *testing.T, data []byte) {
				cfg, err := png.DecodeConfig(bytes.NewReader(data))
				require.NoError(t, err)
				assert.Positive(t, cfg.Width)
			},
		},
		{
			name:   "RasterWithScan",
			opts:   AppOptions{RenderFormat: "raster", ScanFile: scanPath},
			output: "trace.png",
			check: func(t *testing.T, data []byte) {
				_, err := png.DecodeConfig(bytes.NewReader(data))
				require.NoError(t, err)
			},
		},
		{
			name:   "VectorSVG",
			opts:   AppOptions{RenderFormat: "vector", VectorFormat: "svg"},
			output: "map.svg",
			check: func(t *testing.T, data []byte) {
				assert.Contains(t, string(data), "<svg")
			},
		},
		{
			name:   "VectorPNG",
			opts:   AppOptions{RenderFormat: "vector", VectorFormat: "png", ScanFile: scanPath},
			output: "vector.png",
			check: func(t *testing.T, data []byte) {
				_, err := png.DecodeConfig(bytes.NewReader(data))
				require.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.RenderOnly = true
			tt.opts.OutputFile = filepath.Join(t.TempDir(), tt.output)
			a, out := newTestApp(t, tt.opts)
			require.NoError(t, a.RunRender())
			assert.Contains(t, out.String(), "Rendered:     "+tt.opts.OutputFile)

			data, err := os.ReadFile(tt.opts.OutputFile)
			require.NoError(t, err)
			tt.check(t, data)
		})
	}
}

func TestApp_RunRender_BadFormat(t *testing.T) {
	a, _ := newTestApp(t, AppOptions{RenderOnly: true, RenderFormat: "bmp", OutputFile: filepath.Join(t.TempDir(), "x")})
	err := a.RunRender()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown render format "bmp"`)

	a, _ = newTestApp(t, AppOptions{RenderOnly: true, RenderFormat: "vector", VectorFormat: "pdf", OutputFile: filepath.Join(t.TempDir(), "x")})
	err = a.RunRender()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown vector format "pdf"`)
}

// connectedPublisher wires a publisher onto a connected MockClient.
func connectedPublisher(t *testing.T, a *App) *scanmatch.MockClient {
	t.Helper()
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := scanmatch.NewMockClient()
	mock.SetConnected(true)
	a.setPublisher(scanmatch.NewPublisher(mock, "gridmatch"))
	return mock
}

func TestApp_ProcessScan(t *testing.T) {
	a, _ := newTestApp(t, AppOptions{})
	require.NoError(t, a.prepare())
	a.Tracker.Configure(a.Config.Robots)
	mock := connectedPublisher(t, a)

	begin, result := a.processScan("r1", roomScanMessage("r1", nil))
	assert.Equal(t, roomInitial, begin, "first scan starts from the configured pose")
	assertNearTruth(t, result.Pose)

	lp, ok := a.Tracker.Get("r1")
	require.True(t, ok)
	assert.Equal(t, result.Pose, lp.Pose)
	assert.Equal(t, "#00FF00", lp.Color)
	assert.Equal(t, result.Evaluations, lp.Evaluations)

	msg, ok := mock.LastPublished("gridmatch/r1/pose")
	require.True(t, ok)
	var payload scanmatch.PosePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "r1", payload.RobotID)
	assert.Equal(t, result.Pose.X, payload.X)
	_, ok = mock.LastPublished("gridmatch/poses")
	assert.True(t, ok)

	// The next scan is seeded from the tracked pose.
	begin, _ = a.processScan("r1", roomScanMessage("r1", nil))
	assert.Equal(t, result.Pose, begin)

	// An explicit guess wins over the tracker.
	guess := scanmatch.Pose{X: 2.02, Y: 2.02}
	begin, _ = a.processScan("r1", roomScanMessage("r1", &guess))
	assert.Equal(t, guess, begin)
}

func TestApp_ProcessScan_SavesTrace(t *testing.T) {
	traceDir := filepath.Join(t.TempDir(), "traces")
	a, _ := newTestApp(t, AppOptions{TraceDir: traceDir})
	require.NoError(t, a.prepare())

	a.processScan("r1", roomScanMessage("r1", &roomInitial))

	entries, err := os.ReadDir(traceDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.FileExists(t, filepath.Join(traceDir, entries[0].Name(), "trace.geojson"))
}

func TestApp_HandleScan_Error(t *testing.T) {
	a, _ := newTestApp(t, AppOptions{})
	require.NoError(t, a.prepare())

	a.handleScan("r1", nil, scanmatch.ErrEmptyScan)
	_, ok := a.Tracker.Get("r1")
	assert.False(t, ok)
}

func TestApp_HandleCommand(t *testing.T) {
	a, _ := newTestApp(t, AppOptions{})
	require.NoError(t, a.prepare())
	a.Tracker.Configure(a.Config.Robots)
	connectedPublisher(t, a)

	a.processScan("r1", roomScanMessage("r1", nil))
	require.Contains(t, a.getPublisher().GetAllPoses(), "r1")

	a.handleCommand("r1", "dance")
	_, ok := a.Tracker.Get("r1")
	assert.True(t, ok, "unknown commands are ignored")

	a.handleCommand("r1", "reset")
	_, ok = a.Tracker.Get("r1")
	assert.False(t, ok)
	assert.NotContains(t, a.getPublisher().GetAllPoses(), "r1")
	assert.Equal(t, roomInitial, a.Tracker.Guess("r1"))
}

func TestApp_MQTTFlow(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	a, _ := newTestApp(t, AppOptions{MqttMode: true})
	require.NoError(t, a.prepare())
	a.Tracker.Configure(a.Config.Robots)

	mock := scanmatch.NewMockClient()
	client := scanmatch.NewMQTTClientWithMock(mock, a.Config, a.handleScan)
	client.SetCommandHandler(a.handleCommand)
	a.MQTTClient = client
	a.setPublisher(scanmatch.NewPublisher(client.GetClient(), a.Config.MQTT.PublishPrefix))

	require.NoError(t, mock.Connect().Error())
	require.Eventually(t, func() bool {
		return len(mock.Subscriptions()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"robots/r1/scan", "robots/r1/command"}, mock.Subscriptions())

	require.True(t, mock.SimulateMessage("robots/r1/scan", scanPayload(t, roomScanMessage("r1", nil))))
	lp, ok := a.Tracker.Get("r1")
	require.True(t, ok)
	assertNearTruth(t, lp.Pose)

	msg, ok := mock.LastPublished("gridmatch/r1/pose")
	require.True(t, ok)
	assert.True(t, strings.Contains(string(msg.Payload), `"robotId":"r1"`))

	// Malformed scans are dropped without touching the tracked pose.
	require.True(t, mock.SimulateMessage("robots/r1/scan", []byte(`{"points":[]}`)))
	after, ok := a.Tracker.Get("r1")
	require.True(t, ok)
	assert.Equal(t, lp.Pose, after.Pose)

	require.True(t, mock.SimulateMessage("robots/r1/command", []byte(`{"value":"reset"}`)))
	_, ok = a.Tracker.Get("r1")
	assert.False(t, ok)
}

func TestApp_RunService_Errors(t *testing.T) {
	a, _ := newTestApp(t, AppOptions{})
	err := a.RunService()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no service enabled")

	t.Setenv("MQTT_BROKER", "")
	a, _ = newTestApp(t, AppOptions{MqttMode: true})
	err = a.RunService()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MQTT broker not configured")
	assert.NotNil(t, a.Pyramid, "map is loaded before MQTT starts")
}

func TestPrintResult(t *testing.T) {
	a, _ := newTestApp(t, AppOptions{})
	require.NoError(t, a.prepare())
	result := a.match(roomInitial, roomScanMessage("", nil), nil)

	var buf bytes.Buffer
	printResult(&buf, "", roomInitial, result)
	text := buf.String()
	assert.NotContains(t, text, "Robot:")
	assert.Equal(t, 3, strings.Count(text, ", score "))
	// Begin, three levels, pose, evaluations and the 4-line information block.
	assert.Equal(t, 10, strings.Count(text, "\n"))
}
