package event

// Kinds used in logs, metrics and ingest envelopes
const (
	KindEvent = "event"
	KindAdmin = "admin"
)

// Event is a lifecycle action reported by the host (a login, a logout, a
// token refresh). The relay only needs it to be JSON-serializable.
type Event struct {
	ID        string            `json:"id,omitempty"`
	Time      int64             `json:"time"` // unix millis
	Type      string            `json:"type"`
	RealmID   string            `json:"realmId,omitempty"`
	ClientID  string            `json:"clientId,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	IPAddress string            `json:"ipAddress,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// AuthDetails identifies who performed an administrative action
type AuthDetails struct {
	RealmID   string `json:"realmId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// AdminEvent is an administrative action on a host resource
type AdminEvent struct {
	ID             string            `json:"id,omitempty"`
	Time           int64             `json:"time"` // unix millis
	RealmID        string            `json:"realmId,omitempty"`
	AuthDetails    *AuthDetails      `json:"authDetails,omitempty"`
	ResourceType   string            `json:"resourceType,omitempty"`
	OperationType  string            `json:"operationType"`
	ResourcePath   string            `json:"resourcePath,omitempty"`
	Representation string            `json:"representation,omitempty"`
	Error          string            `json:"error,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
}
