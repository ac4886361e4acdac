package domain

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// ProfileLinks are optional public profile URLs supplied with the document.
type ProfileLinks struct {
	LinkedIn string            `json:"linkedin,omitempty"`
	GitHub   string            `json:"github,omitempty"`
	LeetCode string            `json:"leetcode,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// List returns the non-empty links as "label: url" lines in a stable order.
func (p ProfileLinks) List() []string {
	var out []string
	add := func(label, url string) {
		if url = strings.TrimSpace(url); url != "" {
			out = append(out, label+": "+url)
		}
	}
	add("LinkedIn", p.LinkedIn)
	add("GitHub", p.GitHub)
	add("LeetCode", p.LeetCode)
	for _, k := range slices.Sorted(maps.Keys(p.Extra)) {
		add(k, p.Extra[k])
	}
	return out
}

// IsZero reports whether no link is set.
func (p ProfileLinks) IsZero() bool {
	return len(p.List()) == 0
}

// Session is one durable conversation identified by an opaque token.
type Session struct {
	Token        string
	DocumentName string
	DocumentPath string
	Links        ProfileLinks
	State        *ConversationState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewSession creates an empty session.
func NewSession(token, documentName, documentPath string, links ProfileLinks) *Session {
	now := time.Now().UTC()
	return &Session{
		Token:        token,
		DocumentName: documentName,
		DocumentPath: documentPath,
		Links:        links,
		State:        NewConversationState(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ExpiresIn returns the time until the session goes idle past ttl.
// Returns 0 if the session has already expired.
func (s *Session) ExpiresIn(ttl time.Duration) time.Duration {
	remaining := time.Until(s.UpdatedAt.Add(ttl))
	if remaining < 0 {
		return 0
	}
	return remaining
}
