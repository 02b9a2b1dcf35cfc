package network

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/berdcoin/tapcoin/internal/domain/rules"
	"github.com/berdcoin/tapcoin/internal/engine"
	"github.com/berdcoin/tapcoin/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 512
	// Upper bound for one inbound action against the player's loop.
	actionTimeout = 5 * time.Second

	// DefaultMinActionInterval drops inbound actions arriving faster than this.
	DefaultMinActionInterval = 25 * time.Millisecond
	// DefaultSendBuffer is the outbound queue length per client.
	DefaultSendBuffer = 256
)

// Game is what the network layer needs from the running economy.
type Game interface {
	Tap(ctx context.Context, playerID string) (engine.TapResult, error)
	Purchase(ctx context.Context, playerID string, u rules.Upgrade) (engine.PurchaseOutcome, error)
	View(ctx context.Context, playerID string) (engine.StateView, error)
	// Hold keeps the player's session running until release is called.
	Hold(ctx context.Context, playerID string) (release func(), err error)
}

// Inbound action types.
const (
	ActionTap   = "TAP"
	ActionBuy   = "BUY"
	ActionState = "STATE"
)

// PlayerAction represents an incoming command from the mini-app.
type PlayerAction struct {
	Type    string `json:"type"`              // "TAP", "BUY", "STATE"
	Upgrade string `json:"upgrade,omitempty"` // for BUY
}

// Client is one WebSocket connection of an authenticated player.
type Client struct {
	hub      *Hub
	game     Game
	conn     *websocket.Conn
	send     chan []byte
	ctx      context.Context
	playerID string
	release  func() // drops the session hold; set by ServeWS

	minInterval    time.Duration
	lastActionTime time.Time
}

// ClientOptions configures a Client.
type ClientOptions struct {
	SendBuffer        int
	MinActionInterval time.Duration
}

// NewClient creates a new WebSocket client for playerID.
// ctx bounds the actions the client runs and should outlive the HTTP request.
func NewClient(ctx context.Context, hub *Hub, game Game, conn *websocket.Conn, playerID string, opts ClientOptions) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.MinActionInterval <= 0 {
		opts.MinActionInterval = DefaultMinActionInterval
	}
	return &Client{
		hub:         hub,
		game:        game,
		conn:        conn,
		send:        make(chan []byte, opts.SendBuffer),
		ctx:         ctx,
		playerID:    playerID,
		minInterval: opts.MinActionInterval,
	}
}

// Register adds the client to the hub. It reports false once the hub has stopped.
func (c *Client) Register() bool {
	return c.hub.add(c)
}

// ReadPump pumps actions from the websocket connection into the player's loop.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		if c.release != nil {
			c.release()
		}
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnf("websocket read for %s: %v", c.playerID, err)
				c.hub.metrics.RecordWSError()
			}
			break
		}
		c.hub.metrics.RecordWSMessage(true)

		var action PlayerAction
		if err := json.Unmarshal(message, &action); err != nil {
			c.hub.logger.Warn("Failed to parse PlayerAction from WebSocket. err: " + err.Error())
			c.replyError("malformed action")
			continue
		}

		c.handlePlayerAction(action)
	}
}

func (c *Client) handlePlayerAction(action PlayerAction) {
	if time.Since(c.lastActionTime) < c.minInterval {
		c.hub.metrics.RecordWSDropped()
		return
	}
	c.lastActionTime = time.Now()

	ctx, cancel := context.WithTimeout(c.ctx, actionTimeout)
	defer cancel()

	switch action.Type {
	case ActionTap:
		// notifications for the tap reach the client through the hub
		if _, err := c.game.Tap(ctx, c.playerID); err != nil {
			c.actionFailed(action, err)
		}
	case ActionBuy:
		c.handleBuy(ctx, action)
	case ActionState:
		v, err := c.game.View(ctx, c.playerID)
		if err != nil {
			c.actionFailed(action, err)
			return
		}
		c.reply(MsgState, v)
	default:
		c.hub.logger.Warn("Unknown PlayerAction type: " + action.Type)
		c.replyError("unknown action " + action.Type)
	}
}

func (c *Client) handleBuy(ctx context.Context, action PlayerAction) {
	u, err := rules.ParseUpgrade(action.Upgrade)
	if err != nil {
		c.replyError("unknown upgrade " + action.Upgrade)
		return
	}
	out, err := c.game.Purchase(ctx, c.playerID, u)
	if err != nil {
		c.actionFailed(action, err)
		return
	}
	c.reply(MsgBuyResult, out)
}

func (c *Client) actionFailed(action PlayerAction, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.hub.logger.Warnf("%s for %s failed: %v", action.Type, c.playerID, err)
	c.replyError("action failed")
}

func (c *Client) replyError(msg string) {
	c.reply(MsgError, ErrorPayload{Error: msg})
}

func (c *Client) reply(t events.EventType, payload interface{}) {
	b, err := json.Marshal(events.NewEvent(t, c.playerID, payload))
	if err != nil {
		c.hub.logger.Errorf("Failed to serialize reply: %v", err)
		return
	}
	c.hub.sendTo(c, b)
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// one JSON document per frame; clients parse each frame on its own
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.metrics.RecordWSError()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
