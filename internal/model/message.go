package model

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Role identifies which side of the conversation a message belongs to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus is the delivery state of a message.
//
// A message is created as StatusSending, transitions to StatusSent when the
// model responded and the row is durably persisted, or to StatusError when
// the primary stream and the fallback both failed. Error messages stay
// retriable through the stored pending-send record.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusError   MessageStatus = "error"
)

// MessageKind is the explicit payload discriminant. Plain chat text, plan
// payloads, and report payloads all travel through the same storage and
// retrieval path; the kind field is decoded once at the storage boundary
// instead of sniffing content prefixes.
type MessageKind string

const (
	KindAsk       MessageKind = "ask"
	KindChitchat  MessageKind = "chitchat"
	KindPlanText  MessageKind = "plan_text"
	KindPlanJSON  MessageKind = "plan_json"
	KindReportLog MessageKind = "report_log"
)

// ValidMessageKind reports whether k is a known message kind.
func ValidMessageKind(k MessageKind) bool {
	switch k {
	case KindAsk, KindChitchat, KindPlanText, KindPlanJSON, KindReportLog:
		return true
	}
	return false
}

// Message is one entry in a thread. The id is generated client-side before
// the remote write, so the message can be rendered optimistically; the same
// id is the storage primary key and therefore the idempotency key for the
// at-most-once persistence guarantee.
type Message struct {
	ID               uuid.UUID     `json:"id"`
	ThreadID         uuid.UUID     `json:"thread_id"`
	Role             Role          `json:"role"`
	Agent            AgentKind     `json:"agent"`
	Kind             MessageKind   `json:"kind"`
	Content          string        `json:"content"`
	Status           MessageStatus `json:"status"`
	HasImage         bool          `json:"has_image"`
	ImageStorageURLs []string      `json:"image_storage_urls,omitempty"`
	Tags             []string      `json:"tags,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`

	// Plan payload fields, set when Kind is plan_text or plan_json.
	PlanVersion *string        `json:"plan_version,omitempty"`
	PlanData    map[string]any `json:"plan_data,omitempty"`

	// Report payload fields, set when Kind is report_log.
	ReportEngine      *string `json:"report_engine,omitempty"`
	ReportTextContent *string `json:"report_text_content,omitempty"`
	ReportTitle       *string `json:"report_title,omitempty"`

	// Animating marks an assistant message whose content is still being
	// typed out in the UI. Transient: never persisted to cache or remote.
	Animating bool `json:"animating,omitempty"`
}

// Tagged reports whether the message carries at least one tag. Only tagged
// messages are eligible for report synthesis.
func (m Message) Tagged() bool {
	return len(m.Tags) > 0
}

// StripTransient returns a copy of m with UI-only state cleared, suitable
// for persistence. A message still mid-animation is stored with its final
// status untouched.
func (m Message) StripTransient() Message {
	m.Animating = false
	return m
}

// MaxMessageContentLen bounds the content column; oversized payloads are
// rejected before reaching the model endpoint or Postgres.
const MaxMessageContentLen = 32 * 1024

// MaxMessageTags bounds the tag set per message.
const MaxMessageTags = 16

// ValidateMessage checks the client-controlled fields of a message.
func ValidateMessage(m Message) error {
	if m.ID == uuid.Nil {
		return fmt.Errorf("message id is required")
	}
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return fmt.Errorf("unknown role %q", m.Role)
	}
	if !ValidMessageKind(m.Kind) {
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	if len(m.Content) > MaxMessageContentLen {
		return fmt.Errorf("content exceeds maximum length of %d bytes", MaxMessageContentLen)
	}
	if len(m.Tags) > MaxMessageTags {
		return fmt.Errorf("too many tags (max %d)", MaxMessageTags)
	}
	return nil
}

// MergeMessages combines two message lists (typically local cache and remote
// truth) keyed by id. For duplicate ids the entry from b wins, so callers
// pass the more authoritative list second: merging a failed pair over the
// cache replaces any earlier attempt with the same id, and merging the
// remote list over the cache updates persisted rows while keeping
// local-only error messages whose retry records still exist. The result is
// sorted ascending by CreatedAt, the thread's read order.
func MergeMessages(a, b []Message) []Message {
	byID := make(map[uuid.UUID]Message, len(a)+len(b))
	for _, m := range a {
		byID[m.ID] = m
	}
	for _, m := range b {
		byID[m.ID] = m
	}

	merged := make([]Message, 0, len(byID))
	for _, m := range byID {
		merged = append(merged, m)
	}
	// Tie-break on id so merge output is deterministic for equal timestamps.
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.Before(merged[j].CreatedAt)
		}
		return merged[i].ID.String() < merged[j].ID.String()
	})
	return merged
}

// PendingSend is the serializable record of a failed send, stored alongside
// the error message so a retry reconstructs the identical outbound payload
// even after a reload. Retrying re-submits Text and AttachmentURLs unchanged.
type PendingSend struct {
	MessageID      uuid.UUID `json:"message_id"`
	ThreadID       uuid.UUID `json:"thread_id"`
	UserID         string    `json:"user_id"`
	Text           string    `json:"text"`
	AttachmentURLs []string  `json:"attachment_urls,omitempty"`
	QualityTier    string    `json:"quality_tier"`
	CreatedAt      time.Time `json:"created_at"`
}

// TaggedMessage is the slice of a message submitted to a report engine.
type TaggedMessage struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	Tags    []string  `json:"tags"`
	At      time.Time `json:"at"`
}
