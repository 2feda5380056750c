package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	minTTLSeconds = 60
	maxTTLSeconds = 86400
	defaultTTL    = 3600
)

// HelpRequestDraft is the caller-supplied portion of a new help request.
// Network metadata (id, timestamp, sender, hops) is filled in by
// NewHelpRequest.
type HelpRequestDraft struct {
	Location    GeoLocation
	RequestType RequestType
	Priority    RequestPriority
	Title       string
	Description string
	ContactInfo string
	TTLSeconds  int
}

// NewHelpRequest builds and validates a help request originated by sender.
func NewHelpRequest(draft HelpRequestDraft, sender NodeID) (*HelpRequest, error) {
	if draft.Priority == "" {
		draft.Priority = PriorityMedium
	}
	if draft.TTLSeconds == 0 {
		draft.TTLSeconds = defaultTTL
	}
	req := &HelpRequest{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		TTLSeconds:  draft.TTLSeconds,
		Location:    draft.Location,
		RequestType: draft.RequestType,
		Priority:    draft.Priority,
		Title:       draft.Title,
		Description: draft.Description,
		ContactInfo: draft.ContactInfo,
		SenderID:    string(sender),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Validate enforces the field constraints of the message schema.
func (h *HelpRequest) Validate() error {
	if h.ID == "" {
		return fmt.Errorf("help request missing id")
	}
	if h.TTLSeconds < minTTLSeconds || h.TTLSeconds > maxTTLSeconds {
		return fmt.Errorf("ttl %d out of range [%d, %d]", h.TTLSeconds, minTTLSeconds, maxTTLSeconds)
	}
	if err := h.Location.Validate(); err != nil {
		return fmt.Errorf("location: %w", err)
	}
	switch h.RequestType {
	case RequestMedical, RequestRescue, RequestShelter, RequestFoodWater, RequestTransport, RequestInfo:
	default:
		return fmt.Errorf("unknown request type %q", h.RequestType)
	}
	switch h.Priority {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("unknown priority %q", h.Priority)
	}
	if n := len(h.Title); n < 5 || n > 100 {
		return fmt.Errorf("title length %d out of range [5, 100]", n)
	}
	if n := len(h.Description); n < 10 || n > 1000 {
		return fmt.Errorf("description length %d out of range [10, 1000]", n)
	}
	if h.SenderID == "" {
		return fmt.Errorf("help request missing sender_id")
	}
	if h.HopCount < 0 {
		return fmt.Errorf("hop count %d must be non-negative", h.HopCount)
	}
	return nil
}

// IsExpired reports whether the request has outlived its TTL.
func (h *HelpRequest) IsExpired() bool {
	return time.Since(h.Timestamp).Seconds() > float64(h.TTLSeconds)
}

// IncrementHop returns a copy with the hop count bumped, as stored by a
// receiving node.
// The receiver is left untouched.
func (h *HelpRequest) IncrementHop() *HelpRequest {
	cp := *h
	cp.HopCount++
	return &cp
}

// MarshalPayload serialises the request for transport inside an envelope.
func (h *HelpRequest) MarshalPayload() (json.RawMessage, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal help request %s: %w", h.ID, err)
	}
	return data, nil
}

// HelpRequestFromPayload decodes an envelope payload back into a request.
func HelpRequestFromPayload(raw json.RawMessage) (*HelpRequest, error) {
	var req HelpRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode help request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid help request: %w", err)
	}
	return &req, nil
}
