package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jerryplusy/mioku/internal/config"
)

// apiTimeout bounds one gateway API round-trip.
const apiTimeout = 15 * time.Second

// WSClient is a OneBot v11 forward-WebSocket gateway client. Outbound
// API calls are correlated with responses through the echo field;
// inbound events are fanned out to the registered handler.
type WSClient struct {
	url     string
	token   string
	logger  *slog.Logger
	handler EventHandler

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *apiResponse

	selfID atomic.Int64
}

type apiResponse struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Echo    string          `json:"echo"`
}

type apiRequest struct {
	Action string `json:"action"`
	Params any    `json:"params,omitempty"`
	Echo   string `json:"echo"`
}

// NewWSClient creates a gateway client. Call Run to connect and start
// the event loop.
func NewWSClient(url, token string, handler EventHandler, logger *slog.Logger) *WSClient {
	return &WSClient{
		url:     url,
		token:   token,
		logger:  logger,
		handler: handler,
		pending: make(map[string]chan *apiResponse),
	}
}

// SetHandler installs the event handler. Used when the handler needs
// the client to exist first; must be called before Run.
func (c *WSClient) SetHandler(handler EventHandler) {
	c.handler = handler
}

// SelfID implements Client. Zero until the gateway's lifecycle event
// arrives.
func (c *WSClient) SelfID() int64 {
	return c.selfID.Load()
}

// Run connects to the gateway and processes events until ctx is
// cancelled. Connection loss triggers reconnection with backoff.
func (c *WSClient) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.connect(ctx)
		if err == nil {
			backoff = time.Second
			err = c.readLoop(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("gateway connection lost, reconnecting",
			"error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *WSClient) connect(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Info("gateway connected", "url", c.url)
	return nil
}

func (c *WSClient) readLoop(ctx context.Context) error {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return fmt.Errorf("no connection")
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.failPending()
			return err
		}
		c.logger.Log(ctx, config.LevelTrace, "gateway frame in", "bytes", len(raw))

		c.dispatch(raw)
	}
}

// dispatch routes one inbound frame: API responses resolve their
// pending call, everything else is parsed as an event.
func (c *WSClient) dispatch(raw []byte) {
	var probe struct {
		Echo     string `json:"echo"`
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		c.logger.Warn("undecodable gateway frame", "error", err)
		return
	}

	if probe.Echo != "" {
		var resp apiResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			c.logger.Warn("undecodable api response", "error", err)
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.Echo]
		delete(c.pending, resp.Echo)
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
		return
	}

	switch probe.PostType {
	case "message":
		c.dispatchMessage(raw)
	case "notice":
		c.dispatchNotice(raw)
	case "meta_event":
		var meta struct {
			SelfID int64 `json:"self_id"`
		}
		if json.Unmarshal(raw, &meta) == nil && meta.SelfID != 0 {
			c.selfID.Store(meta.SelfID)
		}
	}
}

func (c *WSClient) dispatchMessage(raw []byte) {
	var wire struct {
		MessageType string    `json:"message_type"` // group, private
		MessageID   int32     `json:"message_id"`
		GroupID     int64     `json:"group_id"`
		UserID      int64     `json:"user_id"`
		SelfID      int64     `json:"self_id"`
		Time        int64     `json:"time"`
		Message     []Segment `json:"message"`
		Sender      struct {
			Nickname string `json:"nickname"`
			Card     string `json:"card"`
			Role     string `json:"role"`
			Title    string `json:"title"`
		} `json:"sender"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		c.logger.Warn("undecodable message event", "error", err)
		return
	}

	name := wire.Sender.Card
	if name == "" {
		name = wire.Sender.Nickname
	}
	role := wire.Sender.Role
	if role == "" {
		role = "member"
	}

	ev := &MessageEvent{
		MessageID: wire.MessageID,
		GroupID:   wire.GroupID,
		UserID:    wire.UserID,
		UserName:  name,
		UserRole:  role,
		UserTitle: wire.Sender.Title,
		Segments:  wire.Message,
		Time:      time.Unix(wire.Time, 0),
		SelfID:    wire.SelfID,
	}

	if c.handler != nil {
		go c.handler.OnMessage(ev)
	}
}

func (c *WSClient) dispatchNotice(raw []byte) {
	var wire struct {
		NoticeType string `json:"notice_type"`
		SubType    string `json:"sub_type"`
		GroupID    int64  `json:"group_id"`
		UserID     int64  `json:"user_id"`
		TargetID   int64  `json:"target_id"`
		Time       int64  `json:"time"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		c.logger.Warn("undecodable notice event", "error", err)
		return
	}
	if wire.NoticeType != "notify" || wire.SubType != "poke" {
		return
	}

	ev := &PokeEvent{
		GroupID:  wire.GroupID,
		UserID:   wire.UserID,
		TargetID: wire.TargetID,
		Time:     time.Unix(wire.Time, 0),
	}
	if c.handler != nil {
		go c.handler.OnPoke(ev)
	}
}

// failPending unblocks every in-flight API call when the connection
// drops; each caller sees a nil response and reports the send error.
func (c *WSClient) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for echo, ch := range c.pending {
		close(ch)
		delete(c.pending, echo)
	}
}

// call performs one echo-correlated API round-trip. When out is
// non-nil the response data is unmarshalled into it.
func (c *WSClient) call(ctx context.Context, action string, params any, out any) error {
	echo := uuid.NewString()

	ch := make(chan *apiResponse, 1)
	c.pendingMu.Lock()
	c.pending[echo] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
	}()

	payload, err := json.Marshal(apiRequest{Action: action, Params: params, Echo: echo})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", action, err)
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: gateway not connected", action)
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", action, err)
	}
	c.logger.Log(ctx, config.LevelTrace, "gateway frame out", "action", action)

	timer := time.NewTimer(apiTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s: gateway timeout", action)
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: connection lost", action)
		}
		if resp.Retcode != 0 {
			return fmt.Errorf("%s: retcode %d", action, resp.Retcode)
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("decode %s response: %w", action, err)
			}
		}
		return nil
	}
}

// --- Client implementation ---

type msgIDResult struct {
	MessageID int32 `json:"message_id"`
}

// SendGroupMsg implements Client.
func (c *WSClient) SendGroupMsg(ctx context.Context, groupID int64, segments []Segment) (int32, error) {
	var res msgIDResult
	err := c.call(ctx, "send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  segments,
	}, &res)
	return res.MessageID, err
}

// SendPrivateMsg implements Client.
func (c *WSClient) SendPrivateMsg(ctx context.Context, userID int64, segments []Segment) (int32, error) {
	var res msgIDResult
	err := c.call(ctx, "send_private_msg", map[string]any{
		"user_id": userID,
		"message": segments,
	}, &res)
	return res.MessageID, err
}

// GetMsg implements Client.
func (c *WSClient) GetMsg(ctx context.Context, messageID int32) (*HistoryMessage, error) {
	var res struct {
		MessageID int32     `json:"message_id"`
		Time      int64     `json:"time"`
		Message   []Segment `json:"message"`
		Sender    struct {
			UserID   int64  `json:"user_id"`
			Nickname string `json:"nickname"`
			Card     string `json:"card"`
		} `json:"sender"`
	}
	if err := c.call(ctx, "get_msg", map[string]any{"message_id": messageID}, &res); err != nil {
		return nil, err
	}
	name := res.Sender.Card
	if name == "" {
		name = res.Sender.Nickname
	}
	return &HistoryMessage{
		MessageID:  res.MessageID,
		SenderID:   res.Sender.UserID,
		SenderName: name,
		Segments:   res.Message,
		Time:       time.Unix(res.Time, 0),
	}, nil
}

// GetGroupInfo implements Client.
func (c *WSClient) GetGroupInfo(ctx context.Context, groupID int64) (*GroupInfo, error) {
	var res GroupInfo
	if err := c.call(ctx, "get_group_info", map[string]any{"group_id": groupID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetGroupMemberInfo implements Client.
func (c *WSClient) GetGroupMemberInfo(ctx context.Context, groupID, userID int64) (*MemberInfo, error) {
	var res MemberInfo
	err := c.call(ctx, "get_group_member_info", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// GetGroupMemberList implements Client.
func (c *WSClient) GetGroupMemberList(ctx context.Context, groupID int64) ([]MemberInfo, error) {
	var res []MemberInfo
	if err := c.call(ctx, "get_group_member_list", map[string]any{"group_id": groupID}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// GetGroupMsgHistory implements Client.
func (c *WSClient) GetGroupMsgHistory(ctx context.Context, groupID int64, count int) ([]HistoryMessage, error) {
	var res struct {
		Messages []struct {
			MessageID int32     `json:"message_id"`
			Time      int64     `json:"time"`
			Message   []Segment `json:"message"`
			Sender    struct {
				UserID   int64  `json:"user_id"`
				Nickname string `json:"nickname"`
				Card     string `json:"card"`
			} `json:"sender"`
		} `json:"messages"`
	}
	err := c.call(ctx, "get_group_msg_history", map[string]any{
		"group_id": groupID,
		"count":    count,
	}, &res)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryMessage, 0, len(res.Messages))
	for _, m := range res.Messages {
		name := m.Sender.Card
		if name == "" {
			name = m.Sender.Nickname
		}
		out = append(out, HistoryMessage{
			MessageID:  m.MessageID,
			SenderID:   m.Sender.UserID,
			SenderName: name,
			Segments:   m.Message,
			Time:       time.Unix(m.Time, 0),
		})
	}
	return out, nil
}

// SetGroupBan implements Client.
func (c *WSClient) SetGroupBan(ctx context.Context, groupID, userID int64, duration time.Duration) error {
	return c.call(ctx, "set_group_ban", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
		"duration": int64(duration.Seconds()),
	}, nil)
}

// SetGroupKick implements Client.
func (c *WSClient) SetGroupKick(ctx context.Context, groupID, userID int64) error {
	return c.call(ctx, "set_group_kick", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
	}, nil)
}

// SetGroupCard implements Client.
func (c *WSClient) SetGroupCard(ctx context.Context, groupID, userID int64, card string) error {
	return c.call(ctx, "set_group_card", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
		"card":     card,
	}, nil)
}

// SetGroupSpecialTitle implements Client.
func (c *WSClient) SetGroupSpecialTitle(ctx context.Context, groupID, userID int64, title string) error {
	return c.call(ctx, "set_group_special_title", map[string]any{
		"group_id":      groupID,
		"user_id":       userID,
		"special_title": title,
	}, nil)
}

// SetGroupWholeBan implements Client.
func (c *WSClient) SetGroupWholeBan(ctx context.Context, groupID int64, enable bool) error {
	return c.call(ctx, "set_group_whole_ban", map[string]any{
		"group_id": groupID,
		"enable":   enable,
	}, nil)
}

// GroupPoke implements Client.
func (c *WSClient) GroupPoke(ctx context.Context, groupID, userID int64) error {
	return c.call(ctx, "group_poke", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
	}, nil)
}
