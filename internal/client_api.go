package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var httpTimeout = 5 * time.Second

// APIClient talks to the REST collaborators: credential issuance, message
// persistence, the poll path, and room membership.
type APIClient struct {
	baseURL string
	token   string
}

// Credentials is what a successful login yields.
type Credentials struct {
	Token       string    `json:"token"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RoomInfo mirrors one room the user belongs to.
type RoomInfo struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids,omitempty"`
	Active    bool     `json:"active"`
}

// Member is a room member with presence at fetch time.
type Member struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Online      bool   `json:"online"`
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{baseURL: strings.TrimRight(baseURL, "/")}
}

// SetToken installs the bearer credential used on subsequent calls.
func (c *APIClient) SetToken(token string) {
	c.token = token
}

func (c *APIClient) Signup(username, displayName, password string) error {
	payload := map[string]string{"username": username, "display_name": displayName, "password": password}
	return c.doJSONRequest(http.MethodPost, "/signup", payload, nil)
}

// Authenticate logs in and installs the returned token.
func (c *APIClient) Authenticate(username, password string) (*Credentials, error) {
	payload := map[string]string{"username": username, "password": password}
	var creds Credentials
	if err := c.doJSONRequest(http.MethodPost, "/login", payload, &creds); err != nil {
		return nil, err
	}
	c.token = creds.Token
	return &creds, nil
}

func (c *APIClient) Logout() error {
	return c.doJSONRequest(http.MethodPost, "/logout", nil, nil)
}

func (c *APIClient) ListRooms() ([]RoomInfo, error) {
	var resp struct {
		Rooms []RoomInfo `json:"rooms"`
	}
	if err := c.doJSONRequest(http.MethodGet, "/rooms", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

func (c *APIClient) CreateRoom(kind, name string, memberIDs []string) (*RoomInfo, error) {
	payload := map[string]interface{}{"kind": kind, "name": name, "member_ids": memberIDs}
	var room RoomInfo
	if err := c.doJSONRequest(http.MethodPost, "/rooms", payload, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *APIClient) RoomMembers(roomID string) ([]Member, error) {
	var resp struct {
		Members []Member `json:"members"`
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/members"
	if err := c.doJSONRequest(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// ListMessages is the poll path: a full ordered batch for one room.
func (c *APIClient) ListMessages(roomID string, limit int) ([]*Message, error) {
	var resp struct {
		Messages []*Message `json:"messages"`
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/messages"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	if err := c.doJSONRequest(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Persist stores a message and returns the canonical record with its
// server-assigned id and timestamp.
func (c *APIClient) Persist(roomID, content, attachmentRef string) (*Message, error) {
	payload := map[string]string{"content": content, "attachment_ref": attachmentRef}
	var msg Message
	path := "/rooms/" + url.PathEscape(roomID) + "/messages"
	if err := c.doJSONRequest(http.MethodPost, path, payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead acknowledges a message over REST, for clients without a live
// websocket.
func (c *APIClient) MarkRead(messageID string) error {
	path := "/messages/" + url.PathEscape(messageID) + "/read"
	return c.doJSONRequest(http.MethodPost, path, nil, nil)
}

func (c *APIClient) doJSONRequest(method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuth
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// HTTPBaseFromWSURL converts a ws(s) endpoint into the http(s) base the
// REST collaborators live on.
func HTTPBaseFromWSURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}
