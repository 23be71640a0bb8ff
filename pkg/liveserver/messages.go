package liveserver

// Message represents a WebSocket status message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// MessageType constants
const (
	TypePosition       = "position"
	TypeStatistics     = "statistics"
	TypeRiskStatus     = "risk_status"
	TypeEmergencyEvent = "emergency_event"
	TypeTransport      = "transport_status"
	TypeHealth         = "health"
)
