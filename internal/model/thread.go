// Package model defines the domain types shared across storage, services,
// and the HTTP layer: threads, messages, and the API request/response shapes.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentKind is the specialization of the conversational assistant a thread
// is bound to.
type AgentKind string

const (
	AgentPlanner   AgentKind = "planner"
	AgentTutor     AgentKind = "tutor"
	AgentCounselor AgentKind = "counselor"
)

// ValidAgentKind reports whether k is one of the known agent kinds.
func ValidAgentKind(k AgentKind) bool {
	switch k {
	case AgentPlanner, AgentTutor, AgentCounselor:
		return true
	}
	return false
}

// Thread is a persisted conversation between one user and one agent kind.
// Deletion is a soft archive: the row survives with Archived=true and a
// DeletedAt timestamp, and list reads filter it out.
type Thread struct {
	ID        uuid.UUID  `json:"id"`
	UserID    string     `json:"user_id"`
	Title     string     `json:"title"`
	Agent     AgentKind  `json:"agent"`
	Archived  bool       `json:"archived"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// MaxThreadTitleLen bounds the title column; DeriveThreadTitle truncates to it.
const MaxThreadTitleLen = 80

// DeriveThreadTitle produces a thread title from the first user message.
// Leading/trailing whitespace is dropped and the result is capped at
// MaxThreadTitleLen runes so a pasted essay doesn't become the title.
func DeriveThreadTitle(content string) string {
	title, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	title = strings.TrimSpace(title)
	runes := []rune(title)
	if len(runes) > MaxThreadTitleLen {
		return string(runes[:MaxThreadTitleLen])
	}
	return title
}

// ValidateThread checks the fields a client controls on thread creation.
func ValidateThread(t Thread) error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("thread id is required")
	}
	if !ValidAgentKind(t.Agent) {
		return fmt.Errorf("unknown agent kind %q", t.Agent)
	}
	if len(t.Title) > MaxThreadTitleLen*4 {
		return fmt.Errorf("title exceeds maximum length")
	}
	return nil
}

// MergeThreads combines two thread lists (typically local cache and remote
// truth) keyed by id. For duplicate ids the entry with the greater UpdatedAt
// wins; the result is sorted descending by UpdatedAt. Last-writer-wins is
// acceptable because the remote store is the source of truth and the local
// list is purely a latency optimization.
func MergeThreads(a, b []Thread) []Thread {
	byID := make(map[uuid.UUID]Thread, len(a)+len(b))
	for _, t := range a {
		byID[t.ID] = t
	}
	for _, t := range b {
		if existing, ok := byID[t.ID]; !ok || t.UpdatedAt.After(existing.UpdatedAt) {
			byID[t.ID] = t
		}
	}

	merged := make([]Thread, 0, len(byID))
	for _, t := range byID {
		merged = append(merged, t)
	}
	// Tie-break on id so merge output is deterministic for equal timestamps.
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].UpdatedAt.Equal(merged[j].UpdatedAt) {
			return merged[i].UpdatedAt.After(merged[j].UpdatedAt)
		}
		return merged[i].ID.String() < merged[j].ID.String()
	})
	return merged
}
