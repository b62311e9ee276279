package scanmatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScanJSON(t *testing.T) {
	msg, err := ParseScanJSON([]byte(`{"robotId":"r1","points":[[1,0],[0,2.5]],"guess":{"x":1,"y":2,"theta":0.1}}`))
	require.NoError(t, err)

	assert.Equal(t, "r1", msg.RobotID)
	require.NotNil(t, msg.Guess)
	assert.Equal(t, Pose{X: 1, Y: 2, Theta: 0.1}, *msg.Guess)

	cloud := msg.Cloud()
	require.Equal(t, 2, cloud.Size())
	assert.Equal(t, Point{X: 0, Y: 2.5}, cloud.PointAt(1))
}

func TestParseScanJSON_Errors(t *testing.T) {
	_, err := ParseScanJSON([]byte(`{"points":[]}`))
	assert.ErrorIs(t, err, ErrEmptyScan)

	_, err = ParseScanJSON([]byte(`{}`))
	assert.ErrorIs(t, err, ErrEmptyScan)

	_, err = ParseScanJSON([]byte(`{"points":[[1,2]`))
	assert.Error(t, err)

	_, err = ParseScanJSON([]byte(`{"points":[["a",2]]}`))
	assert.Error(t, err)
}

func TestScanMessage_GuessOr(t *testing.T) {
	fallback := Pose{X: 3, Y: 4}
	assert.Equal(t, fallback, (&ScanMessage{}).GuessOr(fallback))

	g := Pose{X: 1}
	assert.Equal(t, g, (&ScanMessage{Guess: &g}).GuessOr(fallback))
}

func TestLoadScanFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "scan.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"points":[[0.5,0.5]]}`), 0644))

	msg, err := LoadScanFile(good)
	require.NoError(t, err)
	assert.Nil(t, msg.Guess)
	assert.Len(t, msg.Points, 1)

	_, err = LoadScanFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"points":[]}`), 0644))
	_, err = LoadScanFile(empty)
	assert.ErrorIs(t, err, ErrEmptyScan)
	assert.Contains(t, err.Error(), "empty.json")
}
