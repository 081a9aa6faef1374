package domain

import "time"

// Collection names as they appear in the document store.
const (
	CollectionReports    = "reports"
	CollectionRequests   = "resourceRequests"
	CollectionTasks      = "volunteerTasks"
	CollectionBroadcasts = "broadcasts"
)

// Collections lists every collection the engine owns.
var Collections = []string{CollectionReports, CollectionRequests, CollectionTasks, CollectionBroadcasts}

type Role string

const (
	RoleVictim    Role = "victim"
	RoleVolunteer Role = "volunteer"
	RoleNGO       Role = "ngo"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleVictim, RoleVolunteer, RoleNGO, RoleAdmin:
		return true
	}
	return false
}

type Coordinates struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

const (
	StatusPending   = "pending"
	StatusResolved  = "resolved"
	StatusFulfilled = "fulfilled"
	StatusAssigned  = "assigned"
	StatusCompleted = "completed"
)

type Report struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId" validate:"required"`
	ReportType string     `json:"reportType" validate:"required,oneof=missing injury damage other"`
	Details    string     `json:"details" validate:"required"`
	Location   string     `json:"location,omitempty"`
	Latitude   *float64   `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude  *float64   `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	Timestamp  time.Time  `json:"timestamp" validate:"required"`
	Status     string     `json:"status" validate:"required,oneof=pending resolved"`
	ResolvedBy *string    `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

type ResourceRequest struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId" validate:"required"`
	RequestType string     `json:"requestType" validate:"required,oneof=food water shelter medical clothing other"`
	Description string     `json:"description"`
	Location    string     `json:"location"`
	Latitude    float64    `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude   float64    `json:"longitude" validate:"gte=-180,lte=180"`
	Timestamp   time.Time  `json:"timestamp" validate:"required"`
	Status      string     `json:"status" validate:"required,oneof=pending fulfilled"`
	FulfilledBy *string    `json:"fulfilledBy,omitempty"`
	FulfilledAt *time.Time `json:"fulfilledAt,omitempty"`
}

type VolunteerTask struct {
	ID             string     `json:"id"`
	CreatedBy      string     `json:"createdBy" validate:"required"`
	UserRole       Role       `json:"userRole" validate:"required,oneof=admin ngo"`
	Title          string     `json:"title" validate:"required"`
	Description    string     `json:"description"`
	Location       string     `json:"location" validate:"required"`
	Latitude       float64    `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude      float64    `json:"longitude" validate:"gte=-180,lte=180"`
	RequiredSkills []string   `json:"requiredSkills"`
	Priority       string     `json:"priority" validate:"required,oneof=low medium high urgent"`
	Status         string     `json:"status" validate:"required,oneof=pending assigned completed"`
	AssignedTo     *string    `json:"assignedTo"`
	AssignedAt     *time.Time `json:"assignedAt"`
	CompletedAt    *time.Time `json:"completedAt"`
	CompletedBy    *string    `json:"completedBy,omitempty"`
	CreatedAt      time.Time  `json:"createdAt" validate:"required"`
}

type Broadcast struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId" validate:"required"`
	UserRole  Role      `json:"userRole" validate:"required,oneof=admin ngo"`
	Title     string    `json:"title" validate:"required"`
	Message   string    `json:"message" validate:"required"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// Change is one row of the store change log.
type Change struct {
	Seq        int64  `json:"seq"`
	TS         string `json:"ts" format:"date-time"`
	Collection string `json:"collection"`
	DocID      string `json:"doc_id"`
	Op         string `json:"op" enum:"add,update"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
