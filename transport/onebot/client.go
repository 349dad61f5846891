// Package onebot is a OneBot v11 websocket adapter: it receives group and
// private message events and sends replies through the action API.
package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quailyquaily/personabot/transport"
)

type Config struct {
	// URL is the OneBot websocket endpoint, e.g. ws://127.0.0.1:3001.
	URL string
	// AccessToken is sent as a Bearer header when set.
	AccessToken string
	Logger      *slog.Logger
}

type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

// event is the subset of the OneBot message event this bot consumes.
type event struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"`
	GroupID     int64  `json:"group_id"`
	UserID      int64  `json:"user_id"`
	RawMessage  string `json:"raw_message"`
	SelfID      int64  `json:"self_id"`
}

type action struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo"`
}

// Run connects and pumps inbound message events into handle until the
// context ends or the connection breaks. handle runs on the read loop
// goroutine and must not block (the router enqueues and returns).
func (c *Client) Run(ctx context.Context, handle func(context.Context, transport.Inbound)) error {
	header := http.Header{}
	if token := strings.TrimSpace(c.cfg.AccessToken); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial onebot endpoint: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	c.logger.Info("onebot_connected", "url", c.cfg.URL)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read onebot event: %w", err)
		}

		var ev event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.logger.Warn("onebot_event_undecodable", "error", err.Error())
			continue
		}
		if ev.PostType != "message" {
			continue
		}

		in := transport.Inbound{SenderID: ev.UserID, Text: ev.RawMessage}
		switch ev.MessageType {
		case "group":
			in.Kind = transport.KindGroup
			in.ChatID = ev.GroupID
		case "private":
			in.Kind = transport.KindPrivate
			in.ChatID = ev.UserID
		default:
			continue
		}
		handle(ctx, in)
	}
}

func (c *Client) send(a action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("onebot connection is down")
	}
	return c.conn.WriteJSON(a)
}

func sendAction(kind transport.ChatKind, chatID int64, message string) action {
	a := action{Echo: uuid.NewString(), Params: map[string]any{"message": message}}
	if kind == transport.KindPrivate {
		a.Action = "send_private_msg"
		a.Params["user_id"] = chatID
	} else {
		a.Action = "send_group_msg"
		a.Params["group_id"] = chatID
	}
	return a
}

func (c *Client) SendText(_ context.Context, kind transport.ChatKind, chatID int64, text string) error {
	return c.send(sendAction(kind, chatID, text))
}

func (c *Client) SendImage(_ context.Context, kind transport.ChatKind, chatID int64, path string) error {
	return c.send(sendAction(kind, chatID, fmt.Sprintf("[CQ:image,file=file:///%s]", path)))
}

func (c *Client) SendRecord(_ context.Context, kind transport.ChatKind, chatID int64, path string) error {
	return c.send(sendAction(kind, chatID, fmt.Sprintf("[CQ:record,file=file:///%s]", path)))
}
