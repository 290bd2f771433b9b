package entity

import (
	"html"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DirectPlaceholderName is stored as the name of every direct chatroom.
const DirectPlaceholderName = "Direct Message"

// MaxMessageRunes bounds message content after sanitising.
const MaxMessageRunes = 4000

type Chatroom struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsDirect  bool      `json:"is_direct"`
	CreatedBy string    `json:"created_by"`
	DirectKey string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Members   []string  `json:"members,omitempty"`
}

// Counterpart returns the member of a direct chatroom that is not viewer.
func (c Chatroom) Counterpart(viewer string) string {
	if !c.IsDirect {
		return ""
	}
	for _, m := range c.Members {
		if m != viewer {
			return m
		}
	}
	return ""
}

// DisplayName derives the title shown to viewer. Direct rooms take the other member's name.
func (c Chatroom) DisplayName(viewer string, names map[string]string) string {
	if !c.IsDirect {
		return c.Name
	}
	if other := c.Counterpart(viewer); other != "" {
		if name := names[other]; name != "" {
			return name
		}
	}
	return c.Name
}

type ChatroomMember struct {
	ChatroomID string `json:"chatroom_id"`
	UserID     string `json:"user_id"`
}

// DirectKey is the order-independent identity of a user pair.
func DirectKey(a, b string) string {
	pair := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// DirectChatRequest asks for the 1:1 chatroom between From and Target.
type DirectChatRequest struct {
	From   string
	Target string
}

// NewDirectChatRequest validates that exactly one distinct target was selected.
func NewDirectChatRequest(from string, targets []string) (DirectChatRequest, error) {
	from = strings.TrimSpace(from)
	if from == "" {
		return DirectChatRequest{}, invalid("chatroom", InvDirectOneTarget, "requesting user is required")
	}
	cleaned := make([]string, 0, len(targets))
	for _, t := range targets {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) != 1 {
		return DirectChatRequest{}, invalid("chatroom", InvDirectOneTarget, "")
	}
	if cleaned[0] == from {
		return DirectChatRequest{}, invalid("chatroom", InvDirectDistinctMembers, "")
	}
	return DirectChatRequest{From: from, Target: cleaned[0]}, nil
}

func (r DirectChatRequest) Key() string { return DirectKey(r.From, r.Target) }

// Chatroom builds the direct chatroom row and its two members.
func (r DirectChatRequest) Chatroom(id string, now time.Time) Chatroom {
	return Chatroom{
		ID:        id,
		Name:      DirectPlaceholderName,
		IsDirect:  true,
		CreatedBy: r.From,
		DirectKey: r.Key(),
		CreatedAt: now,
		Members:   []string{r.From, r.Target},
	}
}

// GroupChatRequest asks for a new named chatroom. Members always includes the creator first.
type GroupChatRequest struct {
	Creator string
	Name    string
	Members []string
}

func NewGroupChatRequest(creator, name string, members []string) (GroupChatRequest, error) {
	creator = strings.TrimSpace(creator)
	name = strings.TrimSpace(name)
	if name == "" {
		return GroupChatRequest{}, invalid("chatroom", InvGroupChatNameRequired, "")
	}
	all := uniqueMembers(creator, members)
	if creator == "" || len(all) < 2 {
		return GroupChatRequest{}, invalid("chatroom", InvGroupChatMemberRequired, "")
	}
	return GroupChatRequest{Creator: creator, Name: name, Members: all}, nil
}

func (r GroupChatRequest) Chatroom(id string, now time.Time) Chatroom {
	return Chatroom{
		ID:        id,
		Name:      r.Name,
		CreatedBy: r.Creator,
		CreatedAt: now,
		Members:   append([]string(nil), r.Members...),
	}
}

// Message is immutable once stored. Seq is the store-assigned insertion sequence and
// breaks CreatedAt ties within a chatroom.
type Message struct {
	ID         string    `json:"id"`
	ChatroomID string    `json:"chatroom_id"`
	SenderID   string    `json:"sender_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Seq        uint64    `json:"seq"`
}

var messagePolicy = bluemonday.StrictPolicy()

// SanitizeContent strips markup and surrounding whitespace from message text. The
// result is plain text; renderers escape it.
func SanitizeContent(content string) string {
	return strings.TrimSpace(html.UnescapeString(messagePolicy.Sanitize(strings.TrimSpace(content))))
}

func NewMessage(id, chatroomID, senderID, content string) (Message, error) {
	chatroomID = strings.TrimSpace(chatroomID)
	senderID = strings.TrimSpace(senderID)
	if chatroomID == "" {
		return Message{}, invalid("message", InvMessageChatroomRequired, "")
	}
	if senderID == "" {
		return Message{}, invalid("message", InvMessageSenderRequired, "")
	}
	content = SanitizeContent(content)
	if content == "" {
		return Message{}, invalid("message", InvMessageContentRequired, "")
	}
	if utf8.RuneCountInString(content) > MaxMessageRunes {
		return Message{}, invalid("message", InvMessageContentTooLong, "")
	}
	return Message{ID: id, ChatroomID: chatroomID, SenderID: senderID, Content: content}, nil
}

// Less orders messages by CreatedAt, then Seq.
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Seq < other.Seq
}
