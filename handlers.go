package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/kwv/gridmatch/scanmatch"
)

// maxScanBytes bounds a POST /match body.
const maxScanBytes = 4 << 20

// matchResponse is the POST /match reply.
type matchResponse struct {
	RobotID         string                  `json:"robotId,omitempty"`
	Begin           scanmatch.Pose          `json:"begin"`
	Pose            scanmatch.Pose          `json:"pose"`
	Information     [3][3]float64           `json:"information"`
	Evaluations     int                     `json:"evaluations"`
	DegenerateSteps int                     `json:"degenerateSteps"`
	Score           float64                 `json:"score"`
	Levels          []scanmatch.MatchResult `json:"levels"`
	LevelScores     []float64               `json:"levelScores"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(a *App) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status        string    `json:"status"`
			Timestamp     time.Time `json:"timestamp"`
			HasMap        bool      `json:"hasMap"`
			Robots        int       `json:"robots"`
			MQTTConnected bool      `json:"mqttConnected"`
		}{
			Status:        "ok",
			Timestamp:     time.Now(),
			HasMap:        a.Pyramid != nil,
			Robots:        len(a.Tracker.GetPoses()),
			MQTTConnected: a.MQTTClient != nil && a.MQTTClient.IsConnected(),
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /poses", func(w http.ResponseWriter, r *http.Request) {
		poses := a.Tracker.Sorted()
		if poses == nil {
			poses = []*scanmatch.LivePose{}
		}
		writeJSON(w, http.StatusOK, poses)
	})

	mux.HandleFunc("GET /map.png", func(w http.ResponseWriter, r *http.Request) {
		if a.Pyramid == nil {
			http.Error(w, "No map available", http.StatusServiceUnavailable)
			return
		}
		img := scanmatch.NewMapRenderer(a.Pyramid.Finest()).RenderLive(a.Tracker.Sorted())
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := scanmatch.EncodePNG(w, img); err != nil {
			log.Printf("[HTTP] Error encoding map PNG: %v", err)
		}
	})

	mux.HandleFunc("GET /map.svg", func(w http.ResponseWriter, r *http.Request) {
		if a.Pyramid == nil {
			http.Error(w, "No map available", http.StatusServiceUnavailable)
			return
		}
		renderer := scanmatch.NewVectorRenderer(a.Pyramid.Finest())
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w, scanmatch.Overlay{Poses: a.Tracker.Sorted()}); err != nil {
			log.Printf("[HTTP] Error rendering map SVG: %v", err)
		}
	})

	// A robotId (query or body) makes the match stateful: the robot's last
	// pose seeds it and the result updates the tracker.
	mux.HandleFunc("POST /match", func(w http.ResponseWriter, r *http.Request) {
		if a.Pyramid == nil {
			http.Error(w, "No map available", http.StatusServiceUnavailable)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxScanBytes))
		if err != nil {
			http.Error(w, "reading scan: "+err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		scan, err := scanmatch.ParseScanJSON(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		robotID := r.URL.Query().Get("robot")
		if robotID == "" {
			robotID = scan.RobotID
		}

		var (
			begin  scanmatch.Pose
			result scanmatch.PyramidResult
		)
		if robotID != "" {
			begin, result = a.processScan(robotID, scan)
		} else {
			begin = scan.GuessOr(scanmatch.Pose{})
			result = a.match(begin, scan, nil)
		}

		writeJSON(w, http.StatusOK, matchResponse{
			RobotID:         robotID,
			Begin:           begin,
			Pose:            result.Pose,
			Information:     result.InformationRows(),
			Evaluations:     result.Evaluations,
			DegenerateSteps: result.DegenerateSteps(),
			Score:           result.Score(),
			Levels:          result.Levels,
			LevelScores:     result.Scores,
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}
