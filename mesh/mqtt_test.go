package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMQTTConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{PublishPrefix: "spawnmesh"},
		Sources: []SourceConfig{
			{ID: "overworld", Topic: "scanner/overworld/entities"},
			{ID: "nether", Topic: "scanner/nether/entities"},
		},
	}
}

func TestInitMQTT_Disabled(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	config := &Config{Sources: []SourceConfig{{ID: "a", Topic: "a/topic"}}}

	client, err := InitMQTT(config, nil, nil)
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestInitMQTT_NoSources(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	config := &Config{MQTT: MQTTConfig{Broker: "tcp://localhost:1883"}}

	_, err := InitMQTT(config, nil, nil)
	assert.Error(t, err)
}

func TestMQTTClient_IsConnected(t *testing.T) {
	client := &MQTTClient{}
	assert.False(t, client.IsConnected())

	client.setConnected(true)
	assert.True(t, client.IsConnected())

	client.setConnected(false)
	assert.False(t, client.IsConnected())
}

func TestMQTTClient_GetSourceByTopic(t *testing.T) {
	client := &MQTTClient{config: testMQTTConfig()}

	id, ok := client.GetSourceByTopic("scanner/nether/entities")
	assert.True(t, ok)
	assert.Equal(t, "nether", id)

	_, ok = client.GetSourceByTopic("scanner/end/entities")
	assert.False(t, ok)
}

func TestPublishPrefix(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	assert.Equal(t, "spawnmesh", publishPrefix(nil))
	assert.Equal(t, "mc", publishPrefix(&Config{MQTT: MQTTConfig{PublishPrefix: "mc"}}))

	t.Setenv("MQTT_PUBLISH_PREFIX", "env")
	assert.Equal(t, "env", publishPrefix(&Config{MQTT: MQTTConfig{PublishPrefix: "mc"}}))
}

func TestOnConnect_Subscribes(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	fake := NewFakeClient()
	fake.SetConnected(true)

	config := testMQTTConfig()
	config.Sources = append(config.Sources, SourceConfig{ID: "pull-only"})
	client := newMQTTClientWithMock(fake, config, nil, nil)
	client.onConnect(fake)

	assert.ElementsMatch(t, []string{
		"scanner/overworld/entities",
		"scanner/nether/entities",
		"spawnmesh/recluster",
	}, fake.Subscriptions())
	assert.True(t, client.IsConnected())
}

func TestScanHandler_DecodesPayload(t *testing.T) {
	fake := NewFakeClient()
	fake.SetConnected(true)

	var (
		mu      sync.Mutex
		gotID   string
		gotScan *Scan
		gotErr  error
	)
	client := newMQTTClientWithMock(fake, testMQTTConfig(), func(id string, scan *Scan, err error) {
		mu.Lock()
		defer mu.Unlock()
		gotID, gotScan, gotErr = id, scan, err
	}, nil)
	client.onConnect(fake)

	fake.Deliver("scanner/nether/entities", []byte(sampleScanJSON))

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, gotErr)
	assert.Equal(t, "nether", gotID)
	require.NotNil(t, gotScan)
	assert.Len(t, gotScan.Entities, 3)
}

func TestScanHandler_ReportsDecodeErrors(t *testing.T) {
	fake := NewFakeClient()
	fake.SetConnected(true)

	var gotErr error
	called := false
	client := newMQTTClientWithMock(fake, testMQTTConfig(), func(_ string, scan *Scan, err error) {
		called = true
		assert.Nil(t, scan)
		gotErr = err
	}, nil)
	client.onConnect(fake)

	fake.Deliver("scanner/overworld/entities", nil)
	require.True(t, called)
	assert.ErrorIs(t, gotErr, ErrEmptyPayload)
}

func TestCommandHandler(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	fake := NewFakeClient()
	fake.SetConnected(true)

	var reqs []ReclusterRequest
	client := newMQTTClientWithMock(fake, testMQTTConfig(), nil, func(req ReclusterRequest) {
		reqs = append(reqs, req)
	})
	client.onConnect(fake)

	fake.Deliver("spawnmesh/recluster", nil)
	fake.Deliver("spawnmesh/recluster", []byte(`{"sortMode":"size"}`))
	fake.Deliver("spawnmesh/recluster", []byte(`not json`))

	require.Len(t, reqs, 2, "malformed commands are dropped")
	assert.Nil(t, reqs[0].SortMode)
	require.NotNil(t, reqs[1].SortMode)
	assert.Equal(t, "size", *reqs[1].SortMode)
}

func TestMQTTClient_Disconnect(t *testing.T) {
	fake := NewFakeClient()
	fake.SetConnected(true)
	client := newMQTTClientWithMock(fake, testMQTTConfig(), nil, nil)
	client.setConnected(true)

	client.Disconnect()
	assert.False(t, fake.IsConnected())
	assert.False(t, client.IsConnected())
	assert.Same(t, fake, client.GetClient())
}

func TestInitMQTT_ReturnsImmediately(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://127.0.0.1:1")
	config := testMQTTConfig()

	start := time.Now()
	client, err := InitMQTT(config, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Less(t, time.Since(start), time.Second, "connection happens in the background")
	assert.Same(t, client, GetMQTTClient())
}

func TestNewMQTTClient_SubscribesWhenConnected(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	fake := NewFakeClient()
	fake.SetConnected(true)

	client := NewMQTTClient(fake, testMQTTConfig(), nil, nil)
	assert.True(t, client.IsConnected())
	assert.Contains(t, fake.Subscriptions(), "spawnmesh/recluster")

	idle := NewFakeClient()
	NewMQTTClient(idle, testMQTTConfig(), nil, nil)
	assert.Empty(t, idle.Subscriptions())
}
