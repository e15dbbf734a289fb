package mesh

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ScanHandler is called when a scan message arrives on a source topic.
// scan is nil when err is set.
type ScanHandler func(sourceID string, scan *Scan, err error)

// CommandHandler is called when a recluster command arrives
type CommandHandler func(req ReclusterRequest)

// MQTTClient manages the broker connection and the scan and command
// subscriptions
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	scanHandler    ScanHandler
	commandHandler CommandHandler
	isConnected    bool
	mu             sync.RWMutex
}

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// InitMQTT initializes the global MQTT client with the provided configuration.
// If neither MQTT_BROKER nor the config names a broker, MQTT is disabled and
// this returns nil.
func InitMQTT(config *Config, handler ScanHandler, commands CommandHandler) (*MQTTClient, error) {
	clientMu.Lock()
	defer clientMu.Unlock()

	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Sources) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no scan sources configured")
	}

	client := &MQTTClient{
		config:         config,
		scanHandler:    handler,
		commandHandler: commands,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "spawnmesh"
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
	opts.SetCleanSession(false) // keep subscriptions across reconnects
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	globalClient = client
	return client, nil
}

// GetMQTTClient returns the global MQTT client instance
func GetMQTTClient() *MQTTClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	return globalClient
}

// connectWithRetry attempts to connect to the broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] connection timeout")
		}

		log.Printf("[MQTT] retrying connection in %v", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// CommandTopic is the topic recluster commands are read from
func (c *MQTTClient) CommandTopic() string {
	return publishPrefix(c.config) + "/recluster"
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("[MQTT] connected, subscribing to scan topics")
	c.setConnected(true)

	for _, src := range c.config.Sources {
		if src.Topic == "" {
			log.Printf("[MQTT] source %s has no topic configured", src.ID)
			continue
		}
		c.subscribe(client, src.Topic, c.createScanHandler(src.ID))
	}

	c.subscribe(client, c.CommandTopic(), c.createCommandHandler())
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string, handler mqtt.MessageHandler) {
	token := client.Subscribe(topic, 0, handler)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] error subscribing to %s: %v", topic, token.Error())
		return
	}
	log.Printf("[MQTT] subscribed to %s", topic)
}

// onConnectionLost fires on transient disconnects; auto-reconnect retries
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] reconnecting...")
}

// createScanHandler decodes scan payloads arriving for one source
func (c *MQTTClient) createScanHandler(sourceID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("[MQTT] scan for %s (topic: %s, size: %d bytes)", sourceID, msg.Topic(), len(payload))

		scan, err := DecodeScanData(payload)
		if err != nil {
			log.Printf("[MQTT] error decoding scan for %s: %v", sourceID, err)
		}
		if c.scanHandler != nil {
			c.scanHandler(sourceID, scan, err)
		}
	}
}

func (c *MQTTClient) createCommandHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		req, err := ParseReclusterRequest(msg.Payload())
		if err != nil {
			log.Printf("[MQTT] ignoring recluster command: %v", err)
			return
		}
		log.Printf("[MQTT] recluster requested on %s", msg.Topic())
		if c.commandHandler != nil {
			c.commandHandler(req)
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
		log.Println("[MQTT] disconnecting from broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetSourceByTopic returns the source ID for a given topic
func (c *MQTTClient) GetSourceByTopic(topic string) (string, bool) {
	return c.config.GetSourceByTopic(topic)
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// publishPrefix resolves the topic prefix: MQTT_PUBLISH_PREFIX, then config,
// then "spawnmesh".
func publishPrefix(config *Config) string {
	if p := os.Getenv("MQTT_PUBLISH_PREFIX"); p != "" {
		return p
	}
	if config != nil && config.MQTT.PublishPrefix != "" {
		return config.MQTT.PublishPrefix
	}
	return "spawnmesh"
}

// NewMQTTClient wraps an already connected mqtt.Client, such as a
// FakeClient, and subscribes the source and command topics on it.
func NewMQTTClient(client mqtt.Client, config *Config, handler ScanHandler, commands CommandHandler) *MQTTClient {
	c := newMQTTClientWithMock(client, config, handler, commands)
	if client.IsConnected() {
		c.onConnect(client)
	}
	return c
}

// newMQTTClientWithMock wraps an existing mqtt.Client without subscribing
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler ScanHandler, commands CommandHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		scanHandler:    handler,
		commandHandler: commands,
	}
}
