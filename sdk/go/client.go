package reliefsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Reliefline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID and Role are sent as X-Actor-Id / X-Actor-Role when no bearer
	// token is set and the server allows header identity.
	ActorID    string
	Role       string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Report struct {
	ID         string   `json:"id"`
	UserID     string   `json:"userId"`
	ReportType string   `json:"reportType"`
	Details    string   `json:"details"`
	Location   string   `json:"location,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	Status     string   `json:"status"`
	ResolvedBy string   `json:"resolvedBy,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

type ResourceRequest struct {
	ID          string  `json:"id"`
	UserID      string  `json:"userId"`
	RequestType string  `json:"requestType"`
	Description string  `json:"description"`
	Location    string  `json:"location"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Status      string  `json:"status"`
	FulfilledBy string  `json:"fulfilledBy,omitempty"`
	Timestamp   string  `json:"timestamp"`
}

type VolunteerTask struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Location       string   `json:"location"`
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	RequiredSkills []string `json:"requiredSkills"`
	Priority       string   `json:"priority"`
	Status         string   `json:"status"`
	CreatedBy      string   `json:"createdBy"`
	AssignedTo     string   `json:"assignedTo,omitempty"`
	CompletedBy    string   `json:"completedBy,omitempty"`
	CreatedAt      string   `json:"createdAt"`
}

type Broadcast struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	UserID    string `json:"userId"`
	UserRole  string `json:"userRole"`
	Timestamp string `json:"timestamp"`
}

// Change is one change-log entry.
type Change struct {
	Seq        int64           `json:"seq"`
	TS         string          `json:"ts"`
	Collection string          `json:"collection"`
	DocID      string          `json:"doc_id"`
	Op         string          `json:"op"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// PaginatedChanges wraps change listings with a cursor.
type PaginatedChanges struct {
	Items      []Change `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// Location is either free text or a coordinate pair. Coordinates win.
type Location struct {
	Text      string
	Latitude  *float64
	Longitude *float64
}

// At is shorthand for a Location with explicit coordinates.
func At(lat, lng float64) Location {
	return Location{Latitude: &lat, Longitude: &lng}
}

func (l Location) apply(body map[string]any) {
	if l.Text != "" {
		body["location"] = l.Text
	}
	if l.Latitude != nil {
		body["latitude"] = *l.Latitude
	}
	if l.Longitude != nil {
		body["longitude"] = *l.Longitude
	}
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin mints a bearer token on servers with the dev login route and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID, role string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]any{"actor_id": actorID, "role": role}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) SubmitReport(ctx context.Context, reportType, details string, loc Location) (Report, error) {
	body := map[string]any{"reportType": reportType, "details": details}
	loc.apply(body)
	var resp Report
	err := c.do(ctx, http.MethodPost, "v0/reports", body, &resp)
	return resp, err
}

// Reports lists reports; mine restricts to the caller's own.
func (c *Client) Reports(ctx context.Context, mine bool) ([]Report, error) {
	var resp struct {
		Items []Report `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/reports", url.Values{"mine": boolParam(mine)}), nil, &resp)
	return resp.Items, err
}

func (c *Client) ResolveReport(ctx context.Context, id string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, "v0/reports/"+url.PathEscape(id)+"/resolve", nil, &resp)
	return resp, err
}

func (c *Client) SubmitResourceRequest(ctx context.Context, requestType, description string, loc Location) (ResourceRequest, error) {
	body := map[string]any{"requestType": requestType, "description": description}
	loc.apply(body)
	var resp ResourceRequest
	err := c.do(ctx, http.MethodPost, "v0/requests", body, &resp)
	return resp, err
}

// ResourceRequests lists requests filtered by status and search term; empty values mean any.
func (c *Client) ResourceRequests(ctx context.Context, status, search string) ([]ResourceRequest, error) {
	var resp struct {
		Items []ResourceRequest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/requests", url.Values{"status": {status}, "q": {search}}), nil, &resp)
	return resp.Items, err
}

func (c *Client) FulfillResourceRequest(ctx context.Context, id string) (ResourceRequest, error) {
	var resp ResourceRequest
	err := c.do(ctx, http.MethodPost, "v0/requests/"+url.PathEscape(id)+"/fulfill", nil, &resp)
	return resp, err
}

func (c *Client) SendBroadcast(ctx context.Context, title, message string) (Broadcast, error) {
	var resp Broadcast
	err := c.do(ctx, http.MethodPost, "v0/broadcasts", map[string]any{"title": title, "message": message}, &resp)
	return resp, err
}

// LatestBroadcasts returns up to n broadcasts, newest first. n <= 0 returns all.
func (c *Client) LatestBroadcasts(ctx context.Context, n int) ([]Broadcast, error) {
	if n < 0 {
		n = 0
	}
	var resp struct {
		Items []Broadcast `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/broadcasts", url.Values{"limit": {strconv.Itoa(n)}}), nil, &resp)
	return resp.Items, err
}

// TaskInput carries a new task; RequiredSkills is comma separated.
type TaskInput struct {
	Title          string
	Description    string
	Location       Location
	RequiredSkills string
	Priority       string
}

func (c *Client) CreateVolunteerTask(ctx context.Context, in TaskInput) (VolunteerTask, error) {
	body := map[string]any{"title": in.Title}
	if in.Description != "" {
		body["description"] = in.Description
	}
	if in.RequiredSkills != "" {
		body["requiredSkills"] = in.RequiredSkills
	}
	if in.Priority != "" {
		body["priority"] = in.Priority
	}
	in.Location.apply(body)
	var resp VolunteerTask
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

func (c *Client) VolunteerTasks(ctx context.Context, status, priority string) ([]VolunteerTask, error) {
	var resp struct {
		Items []VolunteerTask `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/tasks", url.Values{"status": {status}, "priority": {priority}}), nil, &resp)
	return resp.Items, err
}

func (c *Client) AcceptVolunteerTask(ctx context.Context, id string) (VolunteerTask, error) {
	var resp VolunteerTask
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/accept", nil, &resp)
	return resp, err
}

func (c *Client) CompleteVolunteerTask(ctx context.Context, id string) (VolunteerTask, error) {
	var resp VolunteerTask
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/complete", nil, &resp)
	return resp, err
}

// ChangesPage returns change-log entries after cursor for an optional collection.
func (c *Client) ChangesPage(ctx context.Context, collection string, limit int, cursor string) (PaginatedChanges, error) {
	q := url.Values{"collection": {collection}, "cursor": {cursor}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp PaginatedChanges
	err := c.do(ctx, http.MethodGet, withQuery("v0/changes", q), nil, &resp)
	return resp, err
}

// WatchBroadcasts streams broadcast snapshots, newest first, until ctx is done
// or fn returns an error. Each call to fn receives the complete current set.
func (c *Client) WatchBroadcasts(ctx context.Context, fn func([]Broadcast) error) error {
	return c.stream(ctx, "v0/streams/broadcasts", func(data []byte) error {
		var snap struct {
			Items []Broadcast `json:"items"`
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		return fn(snap.Items)
	})
}

// WatchVolunteerTasks streams task snapshots filtered by status.
func (c *Client) WatchVolunteerTasks(ctx context.Context, status string, fn func([]VolunteerTask) error) error {
	return c.stream(ctx, withQuery("v0/streams/tasks", url.Values{"status": {status}}), func(data []byte) error {
		var snap struct {
			Items []VolunteerTask `json:"items"`
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		return fn(snap.Items)
	})
}

func (c *Client) stream(ctx context.Context, endpoint string, onData func([]byte) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// Streams stay open; the client timeout would cut them off.
	client := &http.Client{Transport: c.httpClient().Transport}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		if err := onData([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		if c.Role != "" {
			req.Header.Set("X-Actor-Role", c.Role)
		}
	}
	return req, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func withQuery(endpoint string, q url.Values) string {
	for k, v := range q {
		if len(v) == 0 || v[0] == "" {
			q.Del(k)
		}
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func boolParam(b bool) []string {
	if !b {
		return nil
	}
	return []string{"true"}
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
