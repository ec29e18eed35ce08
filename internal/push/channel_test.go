package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// broker is a minimal push server that tracks subscriptions per connection.
type broker struct {
	upgrader websocket.Upgrader
	connects atomic.Int32

	mu     sync.Mutex
	conns  map[*websocket.Conn]map[string]bool
	frames []Frame
}

func newBroker(t *testing.T) (*broker, *httptest.Server) {
	b := &broker{conns: make(map[*websocket.Conn]map[string]bool)}

	mux := http.NewServeMux()
	mux.Handle("/ws", b)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return b, ts
}

func (b *broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.connects.Add(1)

	b.mu.Lock()
	b.conns[conn] = make(map[string]bool)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}

		b.mu.Lock()
		b.frames = append(b.frames, f)
		switch f.Command {
		case commandSubscribe:
			b.conns[conn][f.Destination] = true
		case commandUnsubscribe:
			delete(b.conns[conn], f.Destination)
		}
		b.mu.Unlock()
	}
}

func (b *broker) subscribed(destination string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.conns {
		if subs[destination] {
			return true
		}
	}
	return false
}

func (b *broker) commands(command string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, f := range b.frames {
		if f.Command == command {
			n++
		}
	}
	return n
}

func (b *broker) publish(t *testing.T, destination, body string) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	for conn, subs := range b.conns {
		if subs[destination] {
			require.NoError(t, conn.WriteJSON(Frame{Destination: destination, Body: json.RawMessage(body)}))
		}
	}
}

func (b *broker) dropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.conns {
		_ = conn.Close()
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func startChannel(t *testing.T, url string) *Channel {
	t.Helper()

	ch := New(Config{URL: url, ReconnectDelay: 20 * time.Millisecond})
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(func() { _ = ch.Close() })

	return ch
}

func receive(t *testing.T, bodies <-chan string) string {
	t.Helper()

	select {
	case body := <-bodies:
		return body
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push frame")
		return ""
	}
}

const topic = "/topic/session/ABC123"

func TestChannel_Subscribe(t *testing.T) {
	b, ts := newBroker(t)
	ch := startChannel(t, wsURL(ts.URL))

	bodies := make(chan string, 8)
	ch.Subscribe(topic, func(body []byte) { bodies <- string(body) })

	require.Eventually(t, func() bool { return b.subscribed(topic) }, 2*time.Second, 10*time.Millisecond)

	b.publish(t, topic, `{"type":"PARTICIPANT_JOINED","sessionCode":"ABC123"}`)
	assert.JSONEq(t, `{"type":"PARTICIPANT_JOINED","sessionCode":"ABC123"}`, receive(t, bodies))
}

func TestChannel_PreservesArrivalOrder(t *testing.T) {
	b, ts := newBroker(t)
	ch := startChannel(t, wsURL(ts.URL))

	bodies := make(chan string, 16)
	ch.Subscribe(topic, func(body []byte) { bodies <- string(body) })
	require.Eventually(t, func() bool { return b.subscribed(topic) }, 2*time.Second, 10*time.Millisecond)

	for _, n := range []string{"1", "2", "3", "4", "5"} {
		b.publish(t, topic, `{"seq":`+n+`}`)
	}
	for _, n := range []string{"1", "2", "3", "4", "5"} {
		assert.JSONEq(t, `{"seq":`+n+`}`, receive(t, bodies))
	}
}

func TestChannel_Unsubscribe(t *testing.T) {
	b, ts := newBroker(t)
	ch := startChannel(t, wsURL(ts.URL))

	first := ch.Subscribe(topic, func([]byte) {})
	second := ch.Subscribe(topic, func([]byte) {})
	require.Eventually(t, func() bool { return b.subscribed(topic) }, 2*time.Second, 10*time.Millisecond)

	first()
	first()
	time.Sleep(50 * time.Millisecond)
	assert.True(t, b.subscribed(topic), "destination stays subscribed while a handler remains")

	second()
	require.Eventually(t, func() bool { return !b.subscribed(topic) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, b.commands(commandSubscribe))
	assert.Equal(t, 1, b.commands(commandUnsubscribe))
}

func TestChannel_ResubscribesAfterReconnect(t *testing.T) {
	b, ts := newBroker(t)
	ch := startChannel(t, wsURL(ts.URL))

	bodies := make(chan string, 8)
	ch.Subscribe(topic, func(body []byte) { bodies <- string(body) })
	require.Eventually(t, func() bool { return b.subscribed(topic) }, 2*time.Second, 10*time.Millisecond)

	b.dropAll()

	require.Eventually(t, func() bool {
		return b.connects.Load() >= 2 && b.subscribed(topic)
	}, 2*time.Second, 10*time.Millisecond)

	b.publish(t, topic, `{"type":"VOTE_SUBMITTED"}`)
	assert.JSONEq(t, `{"type":"VOTE_SUBMITTED"}`, receive(t, bodies))
	assert.NoError(t, ch.Err())
}

func TestChannel_ReconnectsExhausted(t *testing.T) {
	_, ts := newBroker(t)
	url := wsURL(ts.URL)
	ts.Close()

	ch := New(Config{URL: url, ReconnectDelay: 10 * time.Millisecond, MaxReconnects: 3})
	require.NoError(t, ch.Start(context.Background()))

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not give up")
	}

	assert.ErrorIs(t, ch.Err(), ErrReconnectsExhausted)
	assert.False(t, ch.Connected())
}

func TestChannel_Close(t *testing.T) {
	b, ts := newBroker(t)

	ch := New(Config{URL: wsURL(ts.URL), ReconnectDelay: 10 * time.Millisecond})
	require.NoError(t, ch.Start(context.Background()))
	require.Eventually(t, ch.Connected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Err(), ErrClosed)
	assert.ErrorIs(t, ch.Start(context.Background()), ErrClosed)

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.conns) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChannel_ContextCancel(t *testing.T) {
	_, ts := newBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch := New(Config{URL: wsURL(ts.URL)})
	require.NoError(t, ch.Start(ctx))
	require.Eventually(t, ch.Connected, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not stop on cancel")
	}
	assert.ErrorIs(t, ch.Err(), context.Canceled)
}

func TestEndpointFromServer(t *testing.T) {
	tests := []struct {
		server  string
		want    string
		wantErr bool
	}{
		{server: "http://localhost:8080", want: "ws://localhost:8080/ws"},
		{server: "https://polls.example.com/", want: "wss://polls.example.com/ws"},
		{server: "https://polls.example.com/base", want: "wss://polls.example.com/base/ws"},
		{server: "ftp://polls.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			got, err := EndpointFromServer(tt.server)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
