package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeNoTagged      = "NO_TAGGED_MESSAGES"
)

// QualityTier selects the model quality for a streaming request.
const (
	TierFast     = "fast"
	TierStandard = "standard"
)

// ValidQualityTier reports whether tier is a known tier. Empty defaults to
// standard at the call site.
func ValidQualityTier(tier string) bool {
	return tier == TierFast || tier == TierStandard
}

// CreateThreadRequest is the request body for POST /v1/threads.
// The id is client-generated so the thread can be mirrored to the local
// cache before the remote write returns.
type CreateThreadRequest struct {
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title"`
	Agent AgentKind `json:"agent"`
}

// SendMessageRequest is the request body for POST /v1/threads/{id}/messages.
type SendMessageRequest struct {
	MessageID   uuid.UUID `json:"message_id"`
	Text        string    `json:"text"`
	Attachments []string  `json:"attachments,omitempty"` // pre-staged upload object names
	Tags        []string  `json:"tags,omitempty"`
	QualityTier string    `json:"quality_tier,omitempty"`
}

// ReportRequest is the request body for POST /v1/threads/{id}/report.
type ReportRequest struct {
	Engine string `json:"engine"`
	Focus  string `json:"focus,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	UserID string `json:"user_id"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
