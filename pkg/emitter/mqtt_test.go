package emitter

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-greeter/internal/log"
	"github.com/teslashibe/go-greeter/pkg/flow"
)

type failedToken struct {
	mqtt.DummyToken
	err error
}

func (t *failedToken) Error() error { return t.err }

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

func (p *recordingPublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if p.err != nil {
		return &failedToken{err: p.err}
	}
	return &mqtt.DummyToken{}
}

func connectedEmitter(pub publisher) *MQTTEmitter {
	e := New(Config{Broker: "localhost:1883", Topic: "shop/kiosk1"}, log.Discard())
	e.pub = pub
	e.connected = true
	return e
}

func TestPublishTransition(t *testing.T) {
	pub := &recordingPublisher{}
	e := connectedEmitter(pub)
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, e.PublishTransition("sess-1", flow.Transition{
		From: flow.StateIdle, To: flow.StateWelcome, Reason: flow.ReasonWelcome, At: at, Present: true,
	}))
	e.Close()

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "shop/kiosk1/state", pub.msgs[0].topic)
	assert.Equal(t, byte(0), pub.msgs[0].qos)

	var msg StateMessage
	require.NoError(t, json.Unmarshal(pub.msgs[0].payload, &msg))
	assert.Equal(t, "sess-1", msg.Session)
	assert.Equal(t, flow.StateWelcome, msg.To)
	assert.True(t, msg.Present)
	assert.True(t, at.Equal(msg.At))

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Published["shop/kiosk1/state"])
	assert.Zero(t, stats.Errors)
}

func TestPublishTransition_Errors(t *testing.T) {
	e := New(Config{}, log.Discard())
	assert.ErrorIs(t, e.PublishTransition("s", flow.Transition{}), ErrNotConnected)
	assert.Equal(t, "greeter/state", e.StateTopic())

	pub := &recordingPublisher{err: errors.New("broker rejected")}
	e = connectedEmitter(pub)
	require.NoError(t, e.PublishTransition("s", flow.Transition{To: flow.StateThanks}))
	e.Close()
	assert.Equal(t, uint64(1), e.Stats().Errors)
	assert.False(t, e.Stats().Connected)
}
