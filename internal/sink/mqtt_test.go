package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-micgrid/internal/protocol"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient implements the parts of mqtt.Client the sink uses
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	connected  bool
	publishErr error
	published  []published
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{err: c.publishErr}
}

func TestMQTTSink_PublishesEnvelope(t *testing.T) {
	client := &fakeClient{}
	s := newMQTTSinkWithClient(DefaultMQTTConfig(), client, nil)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Emit(context.Background(), testMessage("p1")))

	require.Len(t, client.published, 1)
	assert.Equal(t, "micgrid/peak", client.published[0].topic)

	envelope, err := protocol.ParseMessage(client.published[0].payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePeak, envelope.Type)

	var msg Message
	require.NoError(t, envelope.ParseData(&msg))
	assert.Equal(t, "p1", msg.ID)
	assert.Equal(t, "TopLeft:1", msg.Text)

	s.Close()
	assert.False(t, client.IsConnected())
}

func TestMQTTSink_NotConnected(t *testing.T) {
	s := newMQTTSinkWithClient(DefaultMQTTConfig(), &fakeClient{}, nil)

	err := s.Emit(context.Background(), testMessage("p1"))
	assert.Error(t, err)
}

func TestMQTTSink_PublishError(t *testing.T) {
	client := &fakeClient{connected: true, publishErr: errors.New("broker refused")}
	s := newMQTTSinkWithClient(DefaultMQTTConfig(), client, nil)

	err := s.Emit(context.Background(), testMessage("p1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker refused")
}

func TestMQTTSink_KindFilter(t *testing.T) {
	client := &fakeClient{connected: true}
	cfg := DefaultMQTTConfig()
	cfg.Kinds = []Kind{KindButton}
	s := newMQTTSinkWithClient(cfg, client, nil)

	require.NoError(t, s.Emit(context.Background(), testMessage("p1")))
	assert.Empty(t, client.published)
}

func TestFormatTopic(t *testing.T) {
	assert.Equal(t, "micgrid/button", FormatTopic("micgrid/{kind}", KindButton))
	assert.Equal(t, "fixed", FormatTopic("fixed", KindPeak))
}

func TestNotifySink_Validation(t *testing.T) {
	_, err := NewNotifySink(NotifyConfig{}, nil)
	assert.Error(t, err)

	_, err = NewNotifySink(NotifyConfig{URLs: []string{"nosuchservice://token"}}, nil)
	assert.Error(t, err)
}
