package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emailchain/emailchain/internal/cryptoutil"
)

// startTestHub runs a hub behind an httptest server and returns the
// ws:// URL to dial. Everything is torn down via t.Cleanup.
func startTestHub(t *testing.T) (*Hub, *Codec, string) {
	t.Helper()

	codec := NewCodec(cryptoutil.GenerateKey(), 0)
	hub := NewHub(codec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.done
	})

	return hub, codec, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTestHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitForClients polls until the hub has registered n clients.
// Registration goes through the hub's run loop, so it is asynchronous
// relative to the dial returning.
func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Stats()["connectedClients"] == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connectedClients = %v, want %d", hub.Stats()["connectedClients"], n)
}

func readEnvelope(t *testing.T, codec *Codec, conn *websocket.Conn) *Envelope {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	env, err := codec.Open(string(msg))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return env
}

func TestHubBroadcastReachesClients(t *testing.T) {
	hub, codec, url := startTestHub(t)

	first := dialTestHub(t, url)
	second := dialTestHub(t, url)
	waitForClients(t, hub, 2)

	hub.Broadcast(TypeFraudAlert, map[string]any{"alertId": "alert_1", "severity": "critical"})

	for _, conn := range []*websocket.Conn{first, second} {
		env := readEnvelope(t, codec, conn)
		if env.Type != TypeFraudAlert {
			t.Errorf("type = %s, want %s", env.Type, TypeFraudAlert)
		}
		var payload map[string]any
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload["alertId"] != "alert_1" {
			t.Errorf("alertId = %v, want alert_1", payload["alertId"])
		}
	}

	if got := hub.Stats()["totalFrames"].(int64); got != 1 {
		t.Errorf("totalFrames = %d, want 1", got)
	}
}

func TestHubSubscriptionFiltersTypes(t *testing.T) {
	hub, codec, url := startTestHub(t)

	conn := dialTestHub(t, url)
	waitForClients(t, hub, 1)

	sub, _ := json.Marshal(Subscription{Types: []string{TypeTransactionConfirmed}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("write subscription: %v", err)
	}

	// Inbound frames are handled in order per connection, so a pong
	// reply proves the subscription update landed first.
	ping, err := codec.Seal(TypePing, PingPayload{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		t.Fatalf("Seal ping: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ping)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if env := readEnvelope(t, codec, conn); env.Type != TypePong {
		t.Fatalf("type = %s, want %s", env.Type, TypePong)
	}

	hub.Broadcast(TypeFraudAlert, map[string]any{"alertId": "alert_2"})
	hub.Broadcast(TypeTransactionConfirmed, map[string]any{"transactionId": "tx_1"})

	env := readEnvelope(t, codec, conn)
	if env.Type != TypeTransactionConfirmed {
		t.Errorf("type = %s, want %s (fraud_alert should be filtered)", env.Type, TypeTransactionConfirmed)
	}
}

func TestPingReplyAfterClientEvicted(t *testing.T) {
	codec := NewCodec(cryptoutil.GenerateKey(), 0)
	hub := NewHub(codec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// The hub closes the send channel on eviction while readPump may
	// still be delivering inbound frames for the same client.
	client := &Client{
		hub:  hub,
		send: make(chan []byte, 1),
		sub:  Subscription{AllTypes: true},
	}
	client.closeSend()
	client.closeSend() // idempotent

	ping, err := codec.Seal(TypePing, PingPayload{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	client.handleInbound([]byte(ping)) // must not panic

	// A live client still gets its pong.
	live := &Client{
		hub:  hub,
		send: make(chan []byte, 1),
		sub:  Subscription{AllTypes: true},
	}
	live.handleInbound([]byte(ping))
	select {
	case msg := <-live.send:
		env, err := codec.Open(string(msg))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if env.Type != TypePong {
			t.Errorf("type = %s, want %s", env.Type, TypePong)
		}
	default:
		t.Error("no pong queued for live client")
	}
}

func TestHubRejectsUpgradeAfterShutdown(t *testing.T) {
	codec := NewCodec(cryptoutil.GenerateKey(), 0)
	hub := NewHub(codec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	cancel()
	<-hub.done

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}
