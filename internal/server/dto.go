package server

import (
	"encoding/json"

	"reliefline/internal/domain"
)

// Request payloads

type CreateReportRequest struct {
	ReportType string   `json:"reportType" enum:"missing,injury,damage,other"`
	Details    string   `json:"details" minLength:"1"`
	Location   string   `json:"location,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty" minimum:"-90" maximum:"90"`
	Longitude  *float64 `json:"longitude,omitempty" minimum:"-180" maximum:"180"`
}

type CreateResourceRequestRequest struct {
	RequestType string   `json:"requestType" enum:"food,water,shelter,medical,clothing,other"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty" minimum:"-90" maximum:"90"`
	Longitude   *float64 `json:"longitude,omitempty" minimum:"-180" maximum:"180"`
}

type CreateBroadcastRequest struct {
	Title   string `json:"title" minLength:"1"`
	Message string `json:"message" minLength:"1"`
}

type CreateVolunteerTaskRequest struct {
	Title       string   `json:"title" minLength:"1"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty" minimum:"-90" maximum:"90"`
	Longitude   *float64 `json:"longitude,omitempty" minimum:"-180" maximum:"180"`
	// RequiredSkills is comma separated, e.g. "First Aid, Driving".
	RequiredSkills string `json:"requiredSkills,omitempty"`
	Priority       string `json:"priority,omitempty" enum:"low,medium,high,urgent"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty" enum:"victim,volunteer,ngo,admin"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type MeResponse struct {
	ActorID string      `json:"actor_id"`
	Role    domain.Role `json:"role"`
	Source  string      `json:"source"`
}

type ReportList struct {
	Items []domain.Report `json:"items"`
}

type ResourceRequestList struct {
	Items []domain.ResourceRequest `json:"items"`
}

type VolunteerTaskList struct {
	Items []domain.VolunteerTask `json:"items"`
}

type BroadcastList struct {
	Items []domain.Broadcast `json:"items"`
}

type ChangeResponse struct {
	Seq        int64           `json:"seq"`
	TS         string          `json:"ts" format:"date-time"`
	Collection string          `json:"collection"`
	DocID      string          `json:"doc_id"`
	Op         string          `json:"op" enum:"add,update"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type paginatedChanges struct {
	Items      []ChangeResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func changeResponse(c domain.Change) ChangeResponse {
	resp := ChangeResponse{
		Seq:        c.Seq,
		TS:         c.TS,
		Collection: c.Collection,
		DocID:      c.DocID,
		Op:         c.Op,
		ActorID:    c.ActorID,
	}
	if c.Payload != "" && json.Valid([]byte(c.Payload)) {
		resp.Payload = json.RawMessage(c.Payload)
	}
	return resp
}

// Stream events, one type per collection so each gets its own SSE event name.

type ReportsSnapshot struct {
	Seq   int64           `json:"seq"`
	Items []domain.Report `json:"items"`
}

type ResourceRequestsSnapshot struct {
	Seq   int64                    `json:"seq"`
	Items []domain.ResourceRequest `json:"items"`
}

type VolunteerTasksSnapshot struct {
	Seq   int64                  `json:"seq"`
	Items []domain.VolunteerTask `json:"items"`
}

type BroadcastsSnapshot struct {
	Seq   int64              `json:"seq"`
	Items []domain.Broadcast `json:"items"`
}
