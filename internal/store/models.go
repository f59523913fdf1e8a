package store

// SessionStatus is the persisted lifecycle state of a session.
type SessionStatus string

const (
	StatusIdle    SessionStatus = "idle"
	StatusRunning SessionStatus = "running"
)

// Session is one conversation between a chat thread and the agent.
type Session struct {
	ID        string
	ChatID    string
	ThreadID  string
	CreatorID string
	Status    SessionStatus

	// InitialPrompt is the first user prompt, kept for session listings.
	InitialPrompt string

	// ACPSessionID is the agent-side session id, recorded after session/new
	// and used for resume.
	ACPSessionID string

	WorkingDir string

	// DocToken is the Lark document bound to this session, if any.
	DocToken string

	// WorkingMessageID is the message carrying the current streaming card.
	WorkingMessageID string

	// Mode is the last agent mode echoed by a current_mode_update.
	Mode string

	ProjectID string

	CreatedAt string
	UpdatedAt string
}

// Project groups sessions under one folder below the base working dir.
type Project struct {
	ID          string
	ChatID      string
	CreatorID   string
	Title       string
	Description string
	FolderName  string
	CreatedAt   string
	UpdatedAt   string
}
