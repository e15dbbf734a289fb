package mesh

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// FakeToken is an already-completed mqtt.Token
type FakeToken struct {
	err error
}

func newFakeToken(err error) *FakeToken { return &FakeToken{err: err} }

func (t *FakeToken) Wait() bool                     { return true }
func (t *FakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *FakeToken) Error() error                   { return t.err }

func (t *FakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// FakeMessage is a message recorded by FakeClient.Publish
type FakeMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// FakeClient is an in-memory mqtt.Client. Publishes are recorded and routed
// to matching subscriptions, wildcards included, and retained messages are
// replayed to later subscribers the way a broker would.
type FakeClient struct {
	mu            sync.RWMutex
	connected     bool
	connectErr    error
	publishErr    error
	subscribeErr  error
	subscriptions map[string]mqtt.MessageHandler
	published     []FakeMessage
	retained      map[string]FakeMessage
}

// NewFakeClient returns a disconnected fake client
func NewFakeClient() *FakeClient {
	return &FakeClient{
		subscriptions: make(map[string]mqtt.MessageHandler),
		retained:      make(map[string]FakeMessage),
	}
}

func (c *FakeClient) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

func (c *FakeClient) SetConnectError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

func (c *FakeClient) SetPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

func (c *FakeClient) SetSubscribeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeErr = err
}

// Published returns a copy of every message published so far
func (c *FakeClient) Published() []FakeMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]FakeMessage, len(c.published))
	copy(out, c.published)
	return out
}

// LastOn returns the most recent message published to topic
func (c *FakeClient) LastOn(topic string) (FakeMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].Topic == topic {
			return c.published[i], true
		}
	}
	return FakeMessage{}, false
}

// Subscriptions returns the subscribed topic filters
func (c *FakeClient) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for f := range c.subscriptions {
		out = append(out, f)
	}
	return out
}

// Deliver hands payload to every subscription matching topic, as if another
// client had published it.
func (c *FakeClient) Deliver(topic string, payload []byte) {
	for _, h := range c.handlersFor(topic) {
		h(c, &fakeMessage{topic: topic, payload: payload})
	}
}

func (c *FakeClient) handlersFor(topic string) []mqtt.MessageHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []mqtt.MessageHandler
	for filter, h := range c.subscriptions {
		if h != nil && topicMatches(filter, topic) {
			out = append(out, h)
		}
	}
	return out
}

// topicMatches implements MQTT filter matching with '+' and '#'
func topicMatches(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

func (c *FakeClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *FakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *FakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr == nil {
		c.connected = true
	}
	return newFakeToken(c.connectErr)
}

func (c *FakeClient) Disconnect(uint) {
	c.SetConnected(false)
}

func (c *FakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return newFakeToken(mqtt.ErrNotConnected)
	}
	if c.publishErr != nil {
		err := c.publishErr
		c.mu.Unlock()
		return newFakeToken(err)
	}

	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	msg := FakeMessage{Topic: topic, Payload: data, QoS: qos, Retain: retained}
	c.published = append(c.published, msg)
	if retained {
		c.retained[topic] = msg
	}
	c.mu.Unlock()

	c.Deliver(topic, data)
	return newFakeToken(nil)
}

func (c *FakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return newFakeToken(mqtt.ErrNotConnected)
	}
	if c.subscribeErr != nil {
		err := c.subscribeErr
		c.mu.Unlock()
		return newFakeToken(err)
	}
	c.subscriptions[topic] = callback
	var replay []FakeMessage
	for t, m := range c.retained {
		if topicMatches(topic, t) {
			replay = append(replay, m)
		}
	}
	c.mu.Unlock()

	for _, m := range replay {
		if callback != nil {
			callback(c, &fakeMessage{topic: m.Topic, payload: m.Payload, retained: true})
		}
	}
	return newFakeToken(nil)
}

func (c *FakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		if tok := c.Subscribe(topic, qos, callback); tok.Error() != nil {
			return tok
		}
	}
	return newFakeToken(nil)
}

func (c *FakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subscriptions, t)
	}
	return newFakeToken(nil)
}

func (c *FakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[topic] = callback
}

func (c *FakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return m.retained }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
