package gateway

import (
	"context"
	"time"
)

// GroupInfo describes a group chat.
type GroupInfo struct {
	GroupID     int64  `json:"group_id"`
	GroupName   string `json:"group_name"`
	MemberCount int    `json:"member_count"`
}

// MemberInfo describes one group member.
type MemberInfo struct {
	GroupID  int64  `json:"group_id"`
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`  // group display name
	Role     string `json:"role"`  // owner, admin, member
	Title    string `json:"title"` // special title
}

// DisplayName returns the member's group card, falling back to the
// account nickname.
func (m *MemberInfo) DisplayName() string {
	if m.Card != "" {
		return m.Card
	}
	return m.Nickname
}

// HistoryMessage is one entry from the gateway's message history or a
// GetMsg lookup.
type HistoryMessage struct {
	MessageID  int32
	SenderID   int64
	SenderName string
	Segments   []Segment
	Time       time.Time
}

// MessageEvent is an inbound chat message. GroupID is zero for private
// messages.
type MessageEvent struct {
	MessageID int32
	GroupID   int64
	GroupName string
	UserID    int64
	UserName  string
	UserRole  string // owner, admin, member
	UserTitle string
	Segments  []Segment
	Time      time.Time
	SelfID    int64
}

// IsGroup reports whether the event arrived in a group chat.
func (e *MessageEvent) IsGroup() bool {
	return e.GroupID != 0
}

// Mentions reports whether the message @-mentions the given user.
func (e *MessageEvent) Mentions(userID int64) bool {
	for _, s := range e.Segments {
		if id, ok := s.AtTarget(); ok && id == userID {
			return true
		}
	}
	return false
}

// PlainText returns the concatenated text bodies of the message.
func (e *MessageEvent) PlainText() string {
	return PlainText(e.Segments)
}

// PokeEvent is a group poke notice.
type PokeEvent struct {
	GroupID  int64
	UserID   int64 // who poked
	TargetID int64 // who was poked
	Time     time.Time
}

// EventHandler receives inbound gateway events. Implementations must
// not block: the gateway read loop dispatches each event in its own
// goroutine, but a handler that never returns still leaks one.
type EventHandler interface {
	OnMessage(ev *MessageEvent)
	OnPoke(ev *PokeEvent)
}

// Client is the bot gateway interface the engine and tools call.
type Client interface {
	// SelfID returns the bot's own account ID.
	SelfID() int64

	SendGroupMsg(ctx context.Context, groupID int64, segments []Segment) (int32, error)
	SendPrivateMsg(ctx context.Context, userID int64, segments []Segment) (int32, error)

	GetMsg(ctx context.Context, messageID int32) (*HistoryMessage, error)
	GetGroupInfo(ctx context.Context, groupID int64) (*GroupInfo, error)
	GetGroupMemberInfo(ctx context.Context, groupID, userID int64) (*MemberInfo, error)
	GetGroupMemberList(ctx context.Context, groupID int64) ([]MemberInfo, error)
	GetGroupMsgHistory(ctx context.Context, groupID int64, count int) ([]HistoryMessage, error)

	SetGroupBan(ctx context.Context, groupID, userID int64, duration time.Duration) error
	SetGroupKick(ctx context.Context, groupID, userID int64) error
	SetGroupCard(ctx context.Context, groupID, userID int64, card string) error
	SetGroupSpecialTitle(ctx context.Context, groupID, userID int64, title string) error
	SetGroupWholeBan(ctx context.Context, groupID int64, enable bool) error
	GroupPoke(ctx context.Context, groupID, userID int64) error
}
