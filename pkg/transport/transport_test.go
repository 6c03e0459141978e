package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := hub.Session()
	b := hub.Session()

	received := make(chan []byte, 1)
	_, err := b.OpenReceiver("svc/inbox", func(d *Delivery) {
		received <- d.Body
	})
	require.NoError(t, err)

	err = a.SendMessage("svc/inbox", []byte(`{"x":1}`), nil)
	require.NoError(t, err)

	select {
	case body := <-received:
		assert.JSONEq(t, `{"x":1}`, string(body))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRequestReply(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	server := hub.Session()
	client := hub.Session()

	_, err := server.OpenReceiver("svc/echo", func(d *Delivery) {
		var req map[string]string
		require.NoError(t, json.Unmarshal(d.Body, &req))
		resp, _ := json.Marshal(map[string]string{"echo": req["msg"]})
		require.NoError(t, d.Reply(resp, map[string]string{"status": "ok"}))
	})
	require.NoError(t, err)

	props, body, err := client.Request("svc/echo", []byte(`{"msg":"hi"}`), nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", props["status"])
	assert.JSONEq(t, `{"echo":"hi"}`, string(body))
}

func TestRequestTimeout(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	server := hub.Session()
	client := hub.Session()

	// 接收者从不应答
	_, err := server.OpenReceiver("svc/blackhole", func(d *Delivery) {})
	require.NoError(t, err)

	start := time.Now()
	_, _, err = client.Request("svc/blackhole", []byte(`{}`), nil, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRequestNoRoute(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := hub.Session()

	_, _, err := client.Request("svc/nowhere", []byte(`{}`), nil, time.Second)
	assert.Error(t, err)
}

func TestDynamicReceiverAddress(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sess := hub.Session()

	recv, err := sess.OpenReceiver("", func(d *Delivery) {})
	require.NoError(t, err)
	assert.NotEmpty(t, recv.Address())

	recv2, err := sess.OpenReceiver("", func(d *Delivery) {})
	require.NoError(t, err)
	assert.NotEqual(t, recv.Address(), recv2.Address())
}

func TestOpenSender(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	server := hub.Session()
	client := hub.Session()

	received := make(chan struct{}, 1)
	_, err := server.OpenReceiver("svc/sink", func(d *Delivery) {
		received <- struct{}{}
	})
	require.NoError(t, err)

	sender, err := client.OpenSender("svc/sink")
	require.NoError(t, err)
	require.NoError(t, sender.Send([]byte(`{}`), nil))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("sender message not delivered")
	}
}

func TestCloseRemovesRoutes(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	server := hub.Session()
	client := hub.Session()

	_, err := server.OpenReceiver("svc/tmp", func(d *Delivery) {})
	require.NoError(t, err)
	require.NoError(t, server.Close())

	err = client.SendMessage("svc/tmp", []byte(`{}`), nil)
	assert.Error(t, err)
}
