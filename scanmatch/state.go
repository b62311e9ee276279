package scanmatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// LivePose is the latest matched pose of a robot in world coordinates.
type LivePose struct {
	RobotID         string        `json:"robotId"`
	Pose            Pose          `json:"pose"`
	Information     [3][3]float64 `json:"information"`
	Evaluations     int           `json:"evaluations"`
	DegenerateSteps int           `json:"degenerateSteps"`
	Timestamp       time.Time     `json:"timestamp"`
	Color           string        `json:"color"`
}

// RobotPose flattens the live pose into its wire form.
func (lp *LivePose) RobotPose() RobotPose {
	return RobotPose{
		RobotID:   lp.RobotID,
		X:         lp.Pose.X,
		Y:         lp.Pose.Y,
		Theta:     lp.Pose.Theta,
		Timestamp: lp.Timestamp.Unix(),
	}
}

// PoseTracker holds the last matched pose of every robot. Matching for one
// robot is serialized through Lock; different robots proceed concurrently.
type PoseTracker struct {
	mu        sync.RWMutex
	poses     map[string]*LivePose
	seeds     map[string]Pose
	colors    map[string]string
	locks     map[string]*sync.Mutex
	cachePath string     // empty disables persistence
	saveMu    sync.Mutex // orders cache writes
	now       func() time.Time
}

// NewPoseTracker creates an empty tracker.
func NewPoseTracker() *PoseTracker {
	return &PoseTracker{
		poses:  make(map[string]*LivePose),
		seeds:  make(map[string]Pose),
		colors: make(map[string]string),
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

// NewPoseTrackerWithCache creates a tracker that persists poses to
// cachePath after every update. Poses cached by a previous run are loaded
// and become the starting guesses.
func NewPoseTrackerWithCache(cachePath string) *PoseTracker {
	pt := NewPoseTracker()
	pt.cachePath = cachePath
	if cachePath == "" {
		return pt
	}
	cached, err := LoadPoses(cachePath)
	if err != nil {
		if !os.IsNotExist(err) {
			Logf("[STATE] ignoring pose cache %s: %v", cachePath, err)
		}
		return pt
	}
	for _, lp := range cached {
		pt.poses[lp.RobotID] = lp
	}
	Logf("[STATE] restored %d poses from %s", len(cached), cachePath)
	return pt
}

// Configure seeds colors and initial poses from the robot list.
func (pt *PoseTracker) Configure(robots []RobotConfig) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for _, rc := range robots {
		if rc.Color != "" {
			pt.colors[rc.ID] = rc.Color
		}
		pt.seeds[rc.ID] = rc.GetInitialPose()
	}
}

// SetColor sets the display color for a robot
func (pt *PoseTracker) SetColor(robotID, hexColor string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.colors[robotID] = hexColor
}

// Lock acquires the per-robot match lock and returns its release func.
func (pt *PoseTracker) Lock(robotID string) func() {
	pt.mu.Lock()
	l, ok := pt.locks[robotID]
	if !ok {
		l = &sync.Mutex{}
		pt.locks[robotID] = l
	}
	pt.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Guess returns the starting pose for the next match of a robot: its last
// matched pose, else its configured initial pose, else the origin.
func (pt *PoseTracker) Guess(robotID string) Pose {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	if lp, ok := pt.poses[robotID]; ok {
		return lp.Pose
	}
	return pt.seeds[robotID]
}

// Update records a match result and returns the stored entry.
func (pt *PoseTracker) Update(robotID string, result MatchResult) *LivePose {
	if pt.cachePath != "" {
		pt.saveMu.Lock()
		defer pt.saveMu.Unlock()
	}

	pt.mu.Lock()
	color := pt.colors[robotID]
	if color == "" {
		color = "#FF0000"
	}
	lp := &LivePose{
		RobotID:         robotID,
		Pose:            result.Pose,
		Information:     result.InformationRows(),
		Evaluations:     result.Evaluations,
		DegenerateSteps: result.DegenerateSteps(),
		Timestamp:       pt.now(),
		Color:           color,
	}
	pt.poses[robotID] = lp
	snapshot := pt.sortedLocked()
	pt.mu.Unlock()

	if pt.cachePath != "" {
		if err := SavePoses(snapshot, pt.cachePath); err != nil {
			Logf("[STATE] warning: failed to save pose cache: %v", err)
		}
	}
	out := *lp
	return &out
}

// Get returns a copy of the last pose of a robot.
func (pt *PoseTracker) Get(robotID string) (*LivePose, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	lp, ok := pt.poses[robotID]
	if !ok {
		return nil, false
	}
	out := *lp
	return &out, true
}

// GetPoses returns copies of all tracked poses keyed by robot ID.
func (pt *PoseTracker) GetPoses() map[string]*LivePose {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	result := make(map[string]*LivePose, len(pt.poses))
	for k, v := range pt.poses {
		lp := *v
		result[k] = &lp
	}
	return result
}

// Sorted returns copies of all tracked poses ordered by robot ID.
func (pt *PoseTracker) Sorted() []*LivePose {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.sortedLocked()
}

func (pt *PoseTracker) sortedLocked() []*LivePose {
	out := make([]*LivePose, 0, len(pt.poses))
	for _, v := range pt.poses {
		lp := *v
		out = append(out, &lp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RobotID < out[j].RobotID })
	return out
}

// Clear forgets the last pose of a robot; its next match starts from the
// configured initial pose again.
func (pt *PoseTracker) Clear(robotID string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.poses, robotID)
}

// SavePoses writes poses to disk as JSON.
func SavePoses(poses []*LivePose, path string) error {
	data, err := json.MarshalIndent(poses, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal poses: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write pose cache: %w", err)
	}
	return nil
}

// LoadPoses reads poses written by SavePoses. Read errors are returned
// unwrapped so callers can test os.IsNotExist.
func LoadPoses(path string) ([]*LivePose, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var poses []*LivePose
	if err := json.Unmarshal(data, &poses); err != nil {
		return nil, fmt.Errorf("unmarshal pose cache: %w", err)
	}
	return poses, nil
}
