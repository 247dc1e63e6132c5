package ledger

import (
	"fmt"
	"strings"
	"time"
)

// ProcessedEvent marks a provider event id as claimed. It is never mutated after creation.
type ProcessedEvent struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
}

// NewProcessedEvent validates an event claim.
func NewProcessedEvent(eventID string, eventType string, processedAt time.Time) (ProcessedEvent, error) {
	trimmedID := strings.TrimSpace(eventID)
	if trimmedID == "" {
		return ProcessedEvent{}, fmt.Errorf("%w: empty value", ErrInvalidEventID)
	}
	trimmedType := strings.TrimSpace(eventType)
	if trimmedType == "" {
		return ProcessedEvent{}, fmt.Errorf("%w: empty value", ErrInvalidEventType)
	}
	return ProcessedEvent{EventID: trimmedID, EventType: trimmedType, ProcessedAt: processedAt.UTC()}, nil
}

// ReserveResult reports whether ReserveEvent claimed the event.
type ReserveResult int

const (
	ReserveResultReserved ReserveResult = iota + 1
	ReserveResultAlreadyProcessed
)

func (result ReserveResult) String() string {
	switch result {
	case ReserveResultReserved:
		return "reserved"
	case ReserveResultAlreadyProcessed:
		return "already_processed"
	default:
		return "unknown"
	}
}

// OutcomeStatus is the recorded result of fulfilling a claimed event.
type OutcomeStatus string

const (
	OutcomeApplied OutcomeStatus = "applied"
	OutcomeIgnored OutcomeStatus = "ignored"
	OutcomeFailed  OutcomeStatus = "failed"
)

// ParseOutcomeStatus validates a stored outcome status.
func ParseOutcomeStatus(raw string) (OutcomeStatus, error) {
	status := OutcomeStatus(strings.TrimSpace(raw))
	switch status {
	case OutcomeApplied, OutcomeIgnored, OutcomeFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcomeStatus, raw)
	}
}

// EventOutcome correlates a claimed event with what fulfilling it did.
type EventOutcome struct {
	EventID    string
	Status     OutcomeStatus
	UserID     string
	Summary    string
	Details    map[string]string
	RecordedAt time.Time
}
