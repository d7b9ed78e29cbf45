package domain

import "time"

// Bus channels.
const (
	ChannelPositions = "positions"
	ChannelRisk      = "risk"
)

// Event names used on the bus, in the audit log and by the notifier filter.
const (
	EventPositionCreated    = "position_created"
	EventPositionOpened     = "position_opened"
	EventPositionClosed     = "position_closed"
	EventPositionDeleted    = "position_deleted"
	EventDepositAdded       = "deposit_added"
	EventPositionAlert      = "position_alert"
	EventPositionLiquidated = "position_liquidated"
	EventScanCompleted      = "scan_completed"
)

// Event is the JSON envelope published on the signal bus.
type Event struct {
	Type       string         `json:"type"`
	PositionID string         `json:"position_id,omitempty"`
	Owner      string         `json:"owner,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}
