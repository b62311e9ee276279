package scanmatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrEmptyScan is returned by ParseScanJSON for a message without points.
var ErrEmptyScan = errors.New("scan has no points")

// ParseScanJSON decodes and validates a scan message.
func ParseScanJSON(data []byte) (*ScanMessage, error) {
	var msg ScanMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parsing scan JSON: %w", err)
	}
	if len(msg.Points) == 0 {
		return nil, ErrEmptyScan
	}
	return &msg, nil
}

// LoadScanFile reads a scan message from disk.
func LoadScanFile(path string) (*ScanMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scan file: %w", err)
	}
	msg, err := ParseScanJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return msg, nil
}

// Cloud returns the scan as a metric point cloud.
func (s *ScanMessage) Cloud() *DataContainer {
	return DataContainerFromPairs(s.Points)
}

// GuessOr returns the message guess, or fallback when it carries none.
func (s *ScanMessage) GuessOr(fallback Pose) Pose {
	if s.Guess != nil {
		return *s.Guess
	}
	return fallback
}
