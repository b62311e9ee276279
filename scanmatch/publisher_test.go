package scanmatch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLivePose(id string, x float64) *LivePose {
	return &LivePose{
		RobotID:         id,
		Pose:            Pose{X: x, Y: 2, Theta: 0.5},
		Information:     [3][3]float64{{1, 0, 0}, {0, 2, 0}, {0, 0, 3}},
		Evaluations:     6,
		DegenerateSteps: 1,
		Timestamp:       fixedNow,
	}
}

func TestNewPublisher_Prefix(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	assert.Equal(t, "gridmatch", NewPublisher(nil, "").Prefix())
	assert.Equal(t, "site", NewPublisher(nil, "site").Prefix())

	t.Setenv("MQTT_PUBLISH_PREFIX", "env")
	p := NewPublisher(nil, "site")
	assert.Equal(t, "env", p.Prefix())
	assert.Equal(t, "env/r1/pose", p.PoseTopic("r1"))
	assert.Equal(t, "env/poses", p.CombinedTopic())
}

func TestPublisher_NotConnected(t *testing.T) {
	assert.Error(t, NewPublisher(nil, "x").PublishPose(testLivePose("r1", 1)))

	mock := NewMockClient()
	assert.Error(t, NewPublisher(mock, "x").PublishPose(testLivePose("r1", 1)))
	assert.Empty(t, mock.GetPublishedMessages())
}

func TestPublisher_PublishPose(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := NewMockClient()
	mock.SetConnected(true)
	p := NewPublisher(mock, "gm")

	require.NoError(t, p.PublishPose(testLivePose("r2", 1)))
	require.NoError(t, p.PublishPose(testLivePose("r1", 3)))

	msgs := mock.GetPublishedMessages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "gm/r2/pose", msgs[0].Topic)
	assert.Equal(t, "gm/poses", msgs[1].Topic)
	for _, m := range msgs {
		assert.True(t, m.Retain)
		assert.Zero(t, m.QoS)
	}

	var single PosePayload
	require.NoError(t, json.Unmarshal(msgs[2].Payload, &single))
	assert.Equal(t, "r1", single.RobotID)
	assert.Equal(t, 3.0, single.X)
	assert.Equal(t, fixedNow.Unix(), single.Timestamp)
	assert.Equal(t, 6, single.Evaluations)
	assert.Equal(t, 2.0, single.Information[1][1])

	var raw map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &raw))
	assert.Contains(t, raw, "robotId")
	assert.Contains(t, raw, "theta")

	var combined struct {
		Robots    []PosePayload `json:"robots"`
		Timestamp int64         `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(msgs[3].Payload, &combined))
	require.Len(t, combined.Robots, 2)
	assert.Equal(t, "r1", combined.Robots[0].RobotID, "sorted by robot")
	assert.Equal(t, "r2", combined.Robots[1].RobotID)
	assert.NotZero(t, combined.Timestamp)
}

func TestPublisher_PublishError(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetPublishError(errors.New("quota"))

	p := NewPublisher(mock, "gm")
	err := p.PublishPose(testLivePose("r1", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/r1/pose")
}

func TestPublisher_QoSRetainAndClear(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	p := NewPublisher(mock, "gm")
	p.SetQoS(1)
	p.SetQoS(7)
	p.SetRetain(false)

	require.NoError(t, p.PublishPose(testLivePose("r1", 1)))
	last, ok := mock.LastPublished(p.CombinedTopic())
	require.True(t, ok)
	assert.Equal(t, byte(1), last.QoS)
	assert.False(t, last.Retain)

	all := p.GetAllPoses()
	require.Contains(t, all, "r1")
	all["r1"].X = 99
	assert.Equal(t, 1.0, p.GetAllPoses()["r1"].X)

	p.ClearPose("r1")
	assert.Empty(t, p.GetAllPoses())
}
