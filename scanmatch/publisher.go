package scanmatch

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PosePayload is the JSON published for a matched pose.
type PosePayload struct {
	RobotPose
	Information     [3][3]float64 `json:"information"`
	Evaluations     int           `json:"evaluations"`
	DegenerateSteps int           `json:"degenerateSteps"`
}

// Publisher publishes matched robot poses to MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	poses         map[string]*PosePayload
	mu            sync.RWMutex
}

// NewPublisher creates a pose publisher. MQTT_PUBLISH_PREFIX overrides
// prefix; an empty result falls back to "gridmatch". A nil client disables
// publishing.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "gridmatch"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		poses:         make(map[string]*PosePayload),
	}
}

// Prefix returns the topic prefix in use.
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PoseTopic returns the per-robot topic, {prefix}/{robotId}/pose.
func (p *Publisher) PoseTopic(robotID string) string {
	return fmt.Sprintf("%s/%s/pose", p.publishPrefix, robotID)
}

// CombinedTopic returns the topic carrying every robot, {prefix}/poses.
func (p *Publisher) CombinedTopic() string {
	return p.publishPrefix + "/poses"
}

// PublishPose publishes a robot's pose to its own topic and then the
// combined topic.
func (p *Publisher) PublishPose(lp *LivePose) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload := &PosePayload{
		RobotPose:       lp.RobotPose(),
		Information:     lp.Information,
		Evaluations:     lp.Evaluations,
		DegenerateSteps: lp.DegenerateSteps,
	}

	p.mu.Lock()
	p.poses[lp.RobotID] = payload
	p.mu.Unlock()

	if err := p.publish(p.PoseTopic(lp.RobotID), payload); err != nil {
		Logf("[MQTT] error publishing pose for %s: %v", lp.RobotID, err)
		return err
	}
	Logf("[MQTT] published pose for %s: (%.3f, %.3f) theta=%.3f",
		lp.RobotID, lp.Pose.X, lp.Pose.Y, lp.Pose.Theta)

	if err := p.publishCombined(); err != nil {
		Logf("[MQTT] error publishing combined poses: %v", err)
		return err
	}
	return nil
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	poses := make([]*PosePayload, 0, len(p.poses))
	for _, pose := range p.poses {
		poses = append(poses, pose)
	}
	p.mu.RUnlock()

	if len(poses) == 0 {
		return nil
	}
	sort.Slice(poses, func(i, j int) bool { return poses[i].RobotID < poses[j].RobotID })

	return p.publish(p.CombinedTopic(), map[string]interface{}{
		"robots":    poses,
		"timestamp": time.Now().Unix(),
	})
}

func (p *Publisher) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetAllPoses returns copies of the last published pose of every robot.
func (p *Publisher) GetAllPoses() map[string]*PosePayload {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]*PosePayload, len(p.poses))
	for id, pose := range p.poses {
		c := *pose
		out[id] = &c
	}
	return out
}

// ClearPose drops a robot from the combined message.
func (p *Publisher) ClearPose(robotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.poses, robotID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
