package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// RunStatusMessage is the payload published to {prefix}/status
type RunStatusMessage struct {
	RunID        string    `json:"runId"`
	Generation   uint64    `json:"generation"`
	Status       RunStatus `json:"status"`
	EntityCount  int       `json:"entityCount"`
	ClusterCount int       `json:"clusterCount"`
	DurationMs   int64     `json:"durationMs"`
	Error        string    `json:"error,omitempty"`
	Timestamp    int64     `json:"timestamp"`
}

// Publisher publishes clustering results to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	last          *RunStatusMessage
	mu            sync.RWMutex
}

// NewPublisher creates a result publisher. A nil client disables publishing.
func NewPublisher(client mqtt.Client, config *Config) *Publisher {
	return &Publisher{
		client:        client,
		publishPrefix: publishPrefix(config),
		qos:           0,
		retain:        true,
	}
}

// ClustersTopic is where the full result is published
func (p *Publisher) ClustersTopic() string {
	return p.publishPrefix + "/clusters"
}

// StatusTopic is where run status summaries are published
func (p *Publisher) StatusTopic() string {
	return p.publishPrefix + "/status"
}

// PublishResult publishes a run. Published runs send the result to the
// clusters topic and a summary to the status topic; discarded runs only send
// the summary, so subscribers keep the last good result.
func (p *Publisher) PublishResult(report *RunReport) error {
	if report == nil {
		return fmt.Errorf("nil run report")
	}
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	if report.Status == StatusPublished && report.Result != nil {
		payload, err := json.Marshal(report.Result)
		if err != nil {
			return fmt.Errorf("marshaling result: %w", err)
		}
		if err := p.publish(p.ClustersTopic(), p.retain, payload); err != nil {
			log.Printf("[MQTT] error publishing clusters for run %d: %v", report.Generation, err)
			return err
		}
	}

	status := &RunStatusMessage{
		RunID:        report.RunID,
		Generation:   report.Generation,
		Status:       report.Status,
		EntityCount:  report.EntityCount,
		ClusterCount: report.ClusterCount,
		DurationMs:   report.Duration.Milliseconds(),
		Error:        report.Error,
		Timestamp:    time.Now().Unix(),
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	if err := p.publish(p.StatusTopic(), false, payload); err != nil {
		log.Printf("[MQTT] error publishing status for run %d: %v", report.Generation, err)
		return err
	}

	p.mu.Lock()
	p.last = status
	p.mu.Unlock()

	log.Printf("[MQTT] published run %d (%s): %d clusters", report.Generation, report.Status, report.ClusterCount)
	return nil
}

func (p *Publisher) publish(topic string, retain bool, payload []byte) error {
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastStatus returns a copy of the most recent status message
func (p *Publisher) LastStatus() (RunStatusMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return RunStatusMessage{}, false
	}
	return *p.last, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether results are retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
