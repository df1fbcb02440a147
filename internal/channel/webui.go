package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/stellarlinkco/attune/internal/bus"
)

const (
	webUIChannelName = "webui"
	wsWriteTimeout   = 5 * time.Second
)

// wsMessage is the websocket frame in both directions. Clients send
// "route", "pulse" or "presence"; the server sends "notification" and
// "result" frames.
type wsMessage struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Title   string         `json:"title,omitempty"`
	Content string         `json:"content,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type wsClient struct {
	conn        *websocket.Conn
	id          string
	recipientID string
}

// WebUIChannel streams notifications to websocket clients subscribed with
// ?recipient=<id>. It is served by the gateway's HTTP server.
type WebUIChannel struct {
	BaseChannel
	clients sync.Map
	nextID  atomic.Int64
}

func NewWebUIChannel(b *bus.MessageBus) *WebUIChannel {
	return &WebUIChannel{
		BaseChannel: NewBaseChannel(webUIChannelName, b, nil),
	}
}

func (w *WebUIChannel) Start(ctx context.Context) error {
	return nil
}

func (w *WebUIChannel) ServeHTTP(wr http.ResponseWriter, r *http.Request) {
	recipientID := strings.TrimSpace(r.URL.Query().Get("recipient"))

	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[webui] websocket accept error: %v", err)
		return
	}

	clientID := fmt.Sprintf("webui-%d", w.nextID.Add(1))
	client := &wsClient{conn: conn, id: clientID, recipientID: recipientID}
	w.clients.Store(clientID, client)
	log.Printf("[webui] client connected: %s (recipient %q)", clientID, recipientID)

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[webui] client disconnected: %s", clientID)
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		inbound, ok := w.toInbound(client, msg)
		if !ok {
			continue
		}
		if err := w.bus.PublishInbound(r.Context(), inbound); err != nil {
			return
		}
	}
}

func (w *WebUIChannel) toInbound(c *wsClient, msg wsMessage) (bus.InboundMessage, bool) {
	if msg.Content == "" {
		return bus.InboundMessage{}, false
	}
	switch msg.Type {
	case bus.KindRoute:
	case bus.KindPulse, bus.KindPresence:
		if c.recipientID == "" {
			return bus.InboundMessage{}, false
		}
	default:
		return bus.InboundMessage{}, false
	}
	return bus.InboundMessage{
		Channel:     webUIChannelName,
		Kind:        msg.Type,
		SenderID:    c.id,
		ChatID:      c.id,
		RecipientID: c.recipientID,
		Content:     msg.Content,
		Timestamp:   time.Now(),
		Metadata:    map[string]any{"requestId": msg.ID},
	}, true
}

// Send writes to the client whose id equals ChatID (a reply), otherwise
// to every client subscribed to the recipient ChatID.
func (w *WebUIChannel) Send(msg bus.OutboundMessage) error {
	frame := wsMessage{
		Type:    "notification",
		Title:   msg.Title,
		Content: msg.Content,
		Data:    msg.Metadata,
	}
	if msg.ReplyTo != "" {
		frame.Type = "result"
		frame.ID = msg.ReplyTo
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	if client, ok := w.clients.Load(msg.ChatID); ok {
		return write(client.(*wsClient), data)
	}

	var firstErr error
	w.clients.Range(func(key, value any) bool {
		c := value.(*wsClient)
		if c.recipientID != msg.ChatID {
			return true
		}
		if err := write(c, data); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

func write(c *wsClient, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Subscribers counts connected clients for a recipient.
func (w *WebUIChannel) Subscribers(recipientID string) int {
	n := 0
	w.clients.Range(func(key, value any) bool {
		if value.(*wsClient).recipientID == recipientID {
			n++
		}
		return true
	})
	return n
}

func (w *WebUIChannel) Stop() error {
	w.clients.Range(func(key, value any) bool {
		c := value.(*wsClient)
		c.conn.CloseNow()
		return true
	})
	log.Printf("[webui] stopped")
	return nil
}
