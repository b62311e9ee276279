package scanmatch

import "errors"

var (
	// ErrEmptyMap is returned when a map source contains no usable cells.
	ErrEmptyMap = errors.New("map has no occupied or free cells")

	// ErrInvalidResolution is returned for a non-positive cell length.
	ErrInvalidResolution = errors.New("map resolution must be positive")

	// ErrNotInvertible is returned when an information matrix has no inverse.
	ErrNotInvertible = errors.New("information matrix is not invertible")
)

// Point represents a 2D coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pose is a 2D position plus heading. Theta is in radians.
// The same type is used for world-frame and map-frame poses; which frame a
// value lives in is determined by where it came from.
type Pose struct {
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Theta float64 `json:"theta" yaml:"theta"`
}

// Position returns the translational part of the pose.
func (p Pose) Position() Point {
	return Point{X: p.X, Y: p.Y}
}

// Add returns the component-wise sum of two poses (no angle wrapping).
func (p Pose) Add(d Pose) Pose {
	return Pose{X: p.X + d.X, Y: p.Y + d.Y, Theta: p.Theta + d.Theta}
}

// Normalized returns the pose with its heading wrapped to (-pi, pi].
func (p Pose) Normalized() Pose {
	p.Theta = NormalizeAngle(p.Theta)
	return p
}

// AffineMatrix for 2D transforms: x' = ax + by + tx, y' = cx + dy + ty
type AffineMatrix struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	Tx float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	Ty float64 `json:"ty"`
}

// Identity returns an identity matrix (no transformation)
func Identity() AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: 0, C: 0, D: 1, Ty: 0}
}

// RobotPose is the last matched pose of a robot, as published and served.
type RobotPose struct {
	RobotID   string  `json:"robotId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Theta     float64 `json:"theta"`
	Timestamp int64   `json:"timestamp"`
}

// Pose returns the world-frame pose carried by the message.
func (rp RobotPose) Pose() Pose {
	return Pose{X: rp.X, Y: rp.Y, Theta: rp.Theta}
}

// ScanMessage is the JSON wire format for a single laser scan.
// Points are sensor-frame coordinates in metres.
type ScanMessage struct {
	RobotID string       `json:"robotId,omitempty"`
	Points  [][2]float64 `json:"points"`
	Guess   *Pose        `json:"guess,omitempty"`
}

// MatcherConfig holds the iteration budgets and step policy of the matcher.
type MatcherConfig struct {
	Iterations           int     `yaml:"iterations" json:"iterations"`
	CoarseIterations     int     `yaml:"coarseIterations" json:"coarseIterations"`
	AngleStepLimit       float64 `yaml:"angleStepLimit,omitempty" json:"angleStepLimit,omitempty"`
	ConvergenceThreshold float64 `yaml:"convergenceThreshold,omitempty" json:"convergenceThreshold,omitempty"`
}

// MapConfig describes where the map comes from and the grid it is
// rasterised into.
type MapConfig struct {
	Source     string  `yaml:"source" json:"source"`                       // file path or http(s) URL
	Resolution float64 `yaml:"resolution" json:"resolution"`               // cell length in metres
	Levels     int     `yaml:"levels" json:"levels"`                       // pyramid depth
	SizeX      int     `yaml:"sizeX,omitempty" json:"sizeX,omitempty"`     // 0 = fit to source
	SizeY      int     `yaml:"sizeY,omitempty" json:"sizeY,omitempty"`     // 0 = fit to source
	OriginX    float64 `yaml:"originX,omitempty" json:"originX,omitempty"` // world x of cell (0,0)
	OriginY    float64 `yaml:"originY,omitempty" json:"originY,omitempty"` // world y of cell (0,0)
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// RobotConfig defines a robot whose scans are matched.
type RobotConfig struct {
	ID          string `yaml:"id" json:"id"`
	ScanTopic   string `yaml:"scanTopic" json:"scanTopic"`
	Color       string `yaml:"color,omitempty" json:"color,omitempty"`
	InitialPose *Pose  `yaml:"initialPose,omitempty" json:"initialPose,omitempty"`
}

// Config represents the full configuration file
type Config struct {
	Matcher MatcherConfig `yaml:"matcher" json:"matcher"`
	Map     MapConfig     `yaml:"map" json:"map"`
	MQTT    MQTTConfig    `yaml:"mqtt" json:"mqtt"`
	Robots  []RobotConfig `yaml:"robots" json:"robots"`
}

// GetRobotByID returns the robot config for the given ID
func (c *Config) GetRobotByID(id string) *RobotConfig {
	for i := range c.Robots {
		if c.Robots[i].ID == id {
			return &c.Robots[i]
		}
	}
	return nil
}

// GetInitialPose returns the configured start pose or the origin.
func (rc *RobotConfig) GetInitialPose() Pose {
	if rc.InitialPose != nil {
		return *rc.InitialPose
	}
	return Pose{}
}
