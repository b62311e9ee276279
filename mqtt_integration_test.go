package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeServiceConfig writes the room map and a config pointing at a local
// broker, returning the config path.
func writeServiceConfig(t *testing.T, dir string) string {
	t.Helper()
	mapPath := writeJSONFile(t, filepath.Join(dir, "map.json"), roomValetudoMap())

	configYAML := `matcher:
  iterations: 5
  coarseIterations: 3

map:
  source: "` + mapPath + `"
  resolution: 0.05
  levels: 3

mqtt:
  broker: "mqtt://localhost:1883"
  publishPrefix: "gridmatch-test"
  clientId: "gridmatch-test"

robots:
  - id: TestRobot1
    scanTopic: "test/robot1/scan"
    color: "#FF0000"
  - id: TestRobot2
    scanTopic: "test/robot2/scan"
    color: "#00FF00"
    initialPose: {x: 2.0, y: 2.0, theta: 0}
`
	configPath := filepath.Join(dir, "test-config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	return configPath
}

func buildBinary(t *testing.T, dir string) string {
	t.Helper()
	binaryPath := filepath.Join(dir, "gridmatch-test")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if output, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, output)
	}
	return binaryPath
}

// TestMQTTServiceStartupShutdown tests the full MQTT service lifecycle
func TestMQTTServiceStartupShutdown(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	configPath := writeServiceConfig(t, tmpDir)
	binaryPath := buildBinary(t, tmpDir)

	tests := []struct {
		name           string
		args           []string
		expectInOutput []string
		expectFailure  bool
		timeout        time.Duration
	}{
		{
			name: "successful startup with config",
			args: []string{"--mqtt", "--config=" + configPath},
			expectInOutput: []string{
				"gridmatch service starting...",
				"Loaded config from",
				"Service Running",
				"Subscribed topics:",
				"test/robot1/scan",
				"test/robot2/scan",
				"gridmatch-test/{robotID}/pose",
				"Press Ctrl+C to stop",
			},
			timeout: 5 * time.Second,
		},
		{
			name: "missing config file",
			args: []string{"--mqtt", "--config=nonexistent.yaml"},
			expectInOutput: []string{
				"gridmatch service starting...",
				"config file not found",
			},
			expectFailure: true,
			timeout:       2 * time.Second,
		},
		{
			name: "missing pose cache is not fatal",
			args: []string{"--mqtt", "--config=" + configPath, "--pose-cache=" + filepath.Join(tmpDir, "poses.json")},
			expectInOutput: []string{
				"gridmatch service starting...",
				"Service Running",
			},
			timeout: 5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			cmd := exec.CommandContext(ctx, binaryPath, tt.args...)
			output, err := cmd.CombinedOutput()
			outputStr := string(output)

			for _, expected := range tt.expectInOutput {
				if !strings.Contains(outputStr, expected) {
					t.Errorf("Expected output to contain '%s', but it didn't.\nFull output:\n%s",
						expected, outputStr)
				}
			}

			if tt.expectFailure && ctx.Err() == nil && err == nil {
				t.Error("Expected command to fail, but it succeeded")
			}
		})
	}
}

// TestMQTTServiceSignalHandling tests SIGINT handling
func TestMQTTServiceSignalHandling(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	configPath := writeServiceConfig(t, tmpDir)
	binaryPath := buildBinary(t, tmpDir)

	var out strings.Builder
	cmd := exec.Command(binaryPath, "--mqtt", "--http", "--http-port=18089", "--config="+configPath)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}

	// Give it time to start
	time.Sleep(2 * time.Second)

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		t.Logf("Failed to send SIGINT (process may have already exited): %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Service exited with error: %v\n%s", err, out.String())
		}
		if !strings.Contains(out.String(), "Service stopped") {
			t.Errorf("Expected shutdown message.\nFull output:\n%s", out.String())
		}
	case <-time.After(5 * time.Second):
		t.Error("Service did not shut down within timeout")
		if err := cmd.Process.Kill(); err != nil {
			t.Logf("Failed to kill process: %v", err)
		}
	}
}

// TestServiceHelpFlag tests the --help output documents the service modes
func TestServiceHelpFlag(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping go run in short mode")
	}
	cmd := exec.Command("go", "run", ".", "--help")
	output, err := cmd.CombinedOutput()
	if err != nil {
		if !strings.Contains(err.Error(), "exit status") {
			t.Fatalf("Failed to run --help: %v", err)
		}
	}

	outputStr := string(output)
	if !strings.Contains(outputStr, "-mqtt") {
		t.Error("Expected --help output to contain -mqtt flag")
	}
	if !strings.Contains(outputStr, "Match scans received over MQTT") {
		t.Error("Expected --help output to describe MQTT mode")
	}
	if !strings.Contains(outputStr, "-http-port") {
		t.Error("Expected --help output to contain -http-port flag")
	}
}
