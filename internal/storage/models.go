package storage

import "time"

// Interaction is one logged chat request/answer pair.
type Interaction struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	UserQuery   string    `json:"user_query"`
	Answer      string    `json:"answer"`
	Model       string    `json:"model"`
	Status      string    `json:"status"` // "completed" | "interrupted"
	Passages    int       `json:"passages"`
	WebSnippets int       `json:"web_snippets"`
}

// PortRow is one entry of the optional sqlite-backed port directory.
type PortRow struct {
	ID          int    `json:"id"`
	City        string `json:"city"`
	Region      string `json:"region"`
	Description string `json:"description"`
}
