package models

// CommandSource says which surface issued a defence command
type CommandSource string

const (
	SourceCLI  CommandSource = "cli"
	SourceAPI  CommandSource = "api"
	SourceNATS CommandSource = "nats"
)

// DefenceCommand is one audited SetCameraDefenceState call
type DefenceCommand struct {
	BaseModel

	DeviceSerial string        `json:"deviceSerial" db:"device_serial"`
	Enable       int           `json:"enable" db:"enable"`
	Success      bool          `json:"success" db:"success"`
	Error        string        `json:"error,omitempty" db:"error"`
	Source       CommandSource `json:"source" db:"source"`
	RequestedBy  string        `json:"requestedBy,omitempty" db:"requested_by"`
	DurationMS   int64         `json:"durationMs" db:"duration_ms"`

	// Details carries the failure state and operation code when known
	Details Variables `json:"details,omitempty" db:"details"`
}
