package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type EventType string

const (
	TypePageView       EventType = "page_view"
	TypeButtonExposure EventType = "convert_button_exposure"
	TypeButtonClick    EventType = "convert_button_click"
	TypePageLeave      EventType = "page_leave"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidEvent     = errors.New("invalid event")
)

// Valid reports whether t is one of the four tracked event types.
func (t EventType) Valid() bool {
	switch t {
	case TypePageView, TypeButtonExposure, TypeButtonClick, TypePageLeave:
		return true
	}
	return false
}

// Payload is the type-specific part of an Event.
type Payload interface {
	EventType() EventType
	validate() error
}

type PageView struct {
	URL              string `json:"url"`
	Referrer         string `json:"referrer"`
	UserAgent        string `json:"userAgent"`
	Language         string `json:"language"`
	ScreenResolution string `json:"screenResolution"`
	ViewportSize     string `json:"viewportSize"`
}

func (PageView) EventType() EventType { return TypePageView }

func (p PageView) validate() error {
	if p.URL == "" {
		return fmt.Errorf("%w: page_view url cannot be empty", ErrInvalidEvent)
	}
	return nil
}

type ButtonExposure struct {
	TimeFromPageLoad int64 `json:"timeFromPageLoad"`
}

func (ButtonExposure) EventType() EventType { return TypeButtonExposure }

func (p ButtonExposure) validate() error {
	if p.TimeFromPageLoad < 0 {
		return fmt.Errorf("%w: negative timeFromPageLoad", ErrInvalidEvent)
	}
	return nil
}

type ButtonClick struct {
	TimeFromPageLoad int64  `json:"timeFromPageLoad"`
	TimeFromExposure *int64 `json:"timeFromExposure"` // null when no exposure was recorded
}

func (ButtonClick) EventType() EventType { return TypeButtonClick }

func (p ButtonClick) validate() error {
	if p.TimeFromPageLoad < 0 {
		return fmt.Errorf("%w: negative timeFromPageLoad", ErrInvalidEvent)
	}
	if p.TimeFromExposure != nil && *p.TimeFromExposure < 0 {
		return fmt.Errorf("%w: negative timeFromExposure", ErrInvalidEvent)
	}
	return nil
}

type PageLeave struct {
	Duration          int64 `json:"duration"`
	HasClickedConvert bool  `json:"hasClickedConvert"`
}

func (PageLeave) EventType() EventType { return TypePageLeave }

func (p PageLeave) validate() error {
	if p.Duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidEvent)
	}
	return nil
}

// Event is one tracked occurrence. The JSON form is flat: the common fields
// followed by the payload's fields.
type Event struct {
	Type      EventType
	Timestamp int64 // unix millis at capture
	SessionID string
	UserID    string
	Payload   Payload
}

type header struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
}

// NewEvent builds an event whose Type is taken from the payload and validates it.
func NewEvent(timestamp int64, sessionID, userID string, payload Payload) (Event, error) {
	if payload == nil {
		return Event{}, fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	event := Event{
		Type:      payload.EventType(),
		Timestamp: timestamp,
		SessionID: sessionID,
		UserID:    userID,
		Payload:   payload,
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if e.Payload == nil || e.Payload.EventType() != e.Type {
		return fmt.Errorf("%w: payload does not match type %s", ErrInvalidEvent, e.Type)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be positive", ErrInvalidEvent)
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: sessionId cannot be empty", ErrInvalidEvent)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: userId cannot be empty", ErrInvalidEvent)
	}
	return e.Payload.validate()
}

func (e Event) MarshalJSON() ([]byte, error) {
	head, err := json.Marshal(header{Type: e.Type, Timestamp: e.Timestamp, SessionID: e.SessionID, UserID: e.UserID})
	if err != nil {
		return nil, err
	}
	if e.Payload == nil {
		return head, nil
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) <= 2 {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var head header
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	var payload Payload
	switch head.Type {
	case TypePageView:
		var p PageView
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		payload = p
	case TypeButtonExposure:
		var p ButtonExposure
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		payload = p
	case TypeButtonClick:
		var p ButtonClick
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		payload = p
	case TypePageLeave:
		var p PageLeave
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		payload = p
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, head.Type)
	}
	*e = Event{
		Type:      head.Type,
		Timestamp: head.Timestamp,
		SessionID: head.SessionID,
		UserID:    head.UserID,
		Payload:   payload,
	}
	return nil
}

// Meta describes the client at upload time.
type Meta struct {
	Timestamp int64  `json:"timestamp"`
	UserAgent string `json:"userAgent"`
	URL       string `json:"url"`
}

// Batch is the upload body posted to the ingestion route.
type Batch struct {
	Events []Event `json:"events"`
	Meta   Meta    `json:"meta"`
}
