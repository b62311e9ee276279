package scanmatch

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ScanHandler is called for every message on a robot's scan topic. Either
// scan or err is set.
type ScanHandler func(robotID string, scan *ScanMessage, err error)

// CommandHandler is called for every message on a robot's command topic,
// with the command string already extracted from the payload.
type CommandHandler func(robotID, command string)

// MQTTClient manages the MQTT connection and the per-robot scan
// subscriptions.
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	scanHandler    ScanHandler
	commandHandler CommandHandler
	isConnected    bool
	mu             sync.RWMutex
}

// InitMQTT creates the MQTT client and starts connecting in the background.
// The broker comes from MQTT_BROKER or the config; when neither is set MQTT
// is disabled and InitMQTT returns nil, nil.
func InitMQTT(config *Config, handler ScanHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		Logf("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Robots) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no robot configuration provided")
	}

	client := &MQTTClient{
		config:      config,
		scanHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "gridmatch"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false) // allow concurrent processing across robots

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		Logf("[MQTT] connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				Logf("[MQTT] connected to broker")
				c.setConnected(true)
				return
			}
			Logf("[MQTT] connection failed: %v", token.Error())
		} else {
			Logf("[MQTT] connection timeout")
		}

		Logf("[MQTT] retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes every robot's scan and command topics. It runs on
// each (re)connect.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	Logf("[MQTT] connected, subscribing to robot topics...")
	c.setConnected(true)

	for _, robot := range c.config.Robots {
		if robot.ScanTopic == "" {
			Logf("[MQTT] warning: robot %s has no scanTopic configured", robot.ID)
			continue
		}

		Logf("[MQTT] subscribing to %s for robot %s", robot.ScanTopic, robot.ID)
		token := client.Subscribe(robot.ScanTopic, 0, c.createScanHandler(robot.ID))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			Logf("[MQTT] error subscribing to %s: %v", robot.ScanTopic, token.Error())
		}

		if cmdTopic, ok := deriveCommandTopic(robot.ScanTopic); ok {
			cmdToken := client.Subscribe(cmdTopic, 0, c.createCommandHandler(robot.ID))
			if cmdToken.WaitTimeout(5*time.Second) && cmdToken.Error() != nil {
				Logf("[MQTT] error subscribing to %s: %v", cmdTopic, cmdToken.Error())
			}
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	Logf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	Logf("[MQTT] reconnecting...")
}

// createScanHandler decodes scan messages for one robot.
func (c *MQTTClient) createScanHandler(robotID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		scan, err := ParseScanJSON(msg.Payload())
		if err != nil {
			Logf("[MQTT] error decoding scan for %s (topic %s): %v", robotID, msg.Topic(), err)
		} else if scan.RobotID != "" && scan.RobotID != robotID {
			Logf("[MQTT] scan on %s names robot %s, using %s", msg.Topic(), scan.RobotID, robotID)
		}
		if c.scanHandler != nil {
			c.scanHandler(robotID, scan, err)
		}
	}
}

// SetCommandHandler registers a callback for robot command messages.
func (c *MQTTClient) SetCommandHandler(handler CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commandHandler = handler
}

func (c *MQTTClient) getCommandHandler() CommandHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commandHandler
}

// deriveCommandTopic replaces the last segment of a scan topic with
// "command": "robots/r1/scan" -> "robots/r1/command".
func deriveCommandTopic(scanTopic string) (string, bool) {
	parts := strings.Split(scanTopic, "/")
	if len(parts) < 2 || parts[len(parts)-1] == "command" {
		return "", false
	}
	parts[len(parts)-1] = "command"
	return strings.Join(parts, "/"), true
}

type commandPayload struct {
	Value string `json:"value"`
}

// parseCommand accepts {"value": "..."}, a JSON string or raw text.
func parseCommand(payload []byte) string {
	var cmd commandPayload
	if err := json.Unmarshal(payload, &cmd); err == nil {
		return strings.TrimSpace(cmd.Value)
	}
	var plain string
	if err := json.Unmarshal(payload, &plain); err == nil {
		return strings.TrimSpace(plain)
	}
	return strings.TrimSpace(string(payload))
}

func (c *MQTTClient) createCommandHandler(robotID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		command := parseCommand(msg.Payload())
		if command == "" {
			Logf("[MQTT] empty command for %s, skipping", robotID)
			return
		}
		Logf("[MQTT] robot %s command: %s", robotID, command)
		if handler := c.getCommandHandler(); handler != nil {
			handler(robotID, command)
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		Logf("[MQTT] disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetRobotByTopic returns the robot ID subscribed to a scan topic.
func (c *MQTTClient) GetRobotByTopic(topic string) (string, bool) {
	for _, robot := range c.config.Robots {
		if robot.ScanTopic == topic {
			return robot.ID, true
		}
	}
	return "", false
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// NewMQTTClientWithMock wraps an existing mqtt.Client, typically a
// MockClient, without starting a connection loop. A client accepting an
// on-connect handler gets the topic subscription hook, so Connect on a
// MockClient subscribes like a broker connection would.
func NewMQTTClientWithMock(client mqtt.Client, config *Config, handler ScanHandler) *MQTTClient {
	c := &MQTTClient{
		client:      client,
		config:      config,
		scanHandler: handler,
	}
	if hc, ok := client.(interface {
		SetOnConnectHandler(mqtt.OnConnectHandler)
	}); ok {
		hc.SetOnConnectHandler(c.onConnect)
	}
	return c
}
