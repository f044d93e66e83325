package domain

// IssueStatus is the closed set of lifecycle states for an issue.
type IssueStatus string

const (
	IssuePending    IssueStatus = "pending"
	IssueInProgress IssueStatus = "in_progress"
	IssueResolved   IssueStatus = "resolved"
	IssueRejected   IssueStatus = "rejected"
)

// Urgency is the reporter-supplied severity of an issue.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

type Issue struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Category    string      `json:"category"`
	Location    string      `json:"location,omitempty"`
	WardNumber  string      `json:"ward_number"`
	Urgency     Urgency     `json:"urgency" enum:"low,medium,high,critical"`
	ReporterID  string      `json:"reporter_id"`
	Status      IssueStatus `json:"status" enum:"pending,in_progress,resolved,rejected"`
	Resolution  *string     `json:"resolution,omitempty"`
	ResolvedBy  *string     `json:"resolved_by,omitempty"`
	ResolvedAt  *string     `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
}

type Comment struct {
	ID        int64  `json:"id"`
	IssueID   string `json:"issue_id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Volunteer struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Skills            []string `json:"skills"`
	SpecializedFields []string `json:"specialized_fields"`
	Availability      string   `json:"availability,omitempty"`
	Contact           string   `json:"contact,omitempty"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

type Assignment struct {
	ID                      string `json:"id"`
	IssueID                 string `json:"issue_id"`
	Category                string `json:"category"`
	Field                   string `json:"field"`
	MainVolunteerID         string `json:"main_volunteer_id"`
	SubVolunteersCount      int    `json:"sub_volunteers_count"`
	WorkDescription         string `json:"work_description,omitempty"`
	EstimatedCompletionDate string `json:"estimated_completion_date" format:"date-time"`
	VolunteerCompleted      bool   `json:"volunteer_completed"`
	CompletionNotes         string `json:"completion_notes,omitempty"`
	Superseded              bool   `json:"superseded"`
	CreatedAt               string `json:"created_at" format:"date-time"`
	UpdatedAt               string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ValidUrgency reports whether u is one of the known urgency levels.
func ValidUrgency(u Urgency) bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}
