package protocol

// Event names pushed on the internal event bus and to WebSocket clients.
const (
	EventHealth   = "health"
	EventCron     = "cron"
	EventChannel  = "channel"
	EventPairing  = "pairing"
	EventShutdown = "shutdown"
	EventTick     = "tick"
)

// Cron event actions (in payload.action).
const (
	CronActionStarted  = "started"
	CronActionFinished = "finished"
)

// CronEventPayload is broadcast for every cron job execution.
type CronEventPayload struct {
	JobID          string `json:"jobId"`
	Action         string `json:"action"`
	Status         string `json:"status,omitempty"`
	Error          string `json:"error,omitempty"`
	RunAtMs        int64  `json:"runAtMs,omitempty"`
	DurationMs     int64  `json:"durationMs,omitempty"`
	Delivered      *bool  `json:"delivered,omitempty"`
	DeliveryStatus string `json:"deliveryStatus,omitempty"`
}

// ChannelEventPayload reports channel lifecycle transitions.
type ChannelEventPayload struct {
	Channel string `json:"channel"`
	Account string `json:"account,omitempty"`
	State   string `json:"state"` // "starting", "running", "reconnecting", "stopped"
	Error   string `json:"error,omitempty"`
}

// PairingEventPayload reports pairing request lifecycle.
type PairingEventPayload struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId,omitempty"`
	Sender    string `json:"sender"`
	Action    string `json:"action"` // "requested", "approved", "expired"
}

// Gateway auth error codes surfaced to UI clients. The strings are a wire
// contract; UI hint text keys off them verbatim.
const (
	ErrAuthRequired           = "AUTH_REQUIRED"
	ErrAuthTokenMissing       = "AUTH_TOKEN_MISSING"
	ErrAuthUnauthorized       = "AUTH_UNAUTHORIZED"
	ErrPairingRequired        = "PAIRING_REQUIRED"
	ErrDeviceIdentityRequired = "DEVICE_IDENTITY_REQUIRED"
)
