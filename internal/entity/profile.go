package entity

import (
	"strings"
	"time"
)

// Profile is owned by the identity system; this core only reads it.
type Profile struct {
	ID          string  `json:"id"`
	DisplayName *string `json:"display_name,omitempty"`
	Email       string  `json:"email"`
	Points      int     `json:"points"`
}

// Name is the display name, falling back to the email address.
func (p Profile) Name() string {
	if p.DisplayName != nil && strings.TrimSpace(*p.DisplayName) != "" {
		return strings.TrimSpace(*p.DisplayName)
	}
	return p.Email
}

type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Membership struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

// NewGroup validates a group and its initial member set. The creator is always a member.
func NewGroup(id, creator, name string, members []string, now time.Time) (Group, []string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, nil, invalid("group", InvGroupNameRequired, "")
	}
	if strings.TrimSpace(creator) == "" {
		return Group{}, nil, invalid("group", InvGroupCreatorRequired, "")
	}
	return Group{ID: id, Name: name, CreatedBy: creator, CreatedAt: now}, uniqueMembers(creator, members), nil
}

// uniqueMembers returns first followed by the distinct, non-blank entries of rest.
func uniqueMembers(first string, rest []string) []string {
	seen := map[string]struct{}{first: {}}
	out := []string{first}
	for _, id := range rest {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
