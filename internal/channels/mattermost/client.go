// Package mattermost implements the Mattermost channel: a reconnecting
// WebSocket event stream plus the REST calls the pipeline needs. It is the
// reference instance of the shared ingestion primitives; other channels
// reuse the same dedupe/debounce/policy/dispatch machinery.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

// Client is a minimal Mattermost REST + WebSocket client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client for a Mattermost server.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

// User is a Mattermost user.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot"`
}

// ChannelInfo is a Mattermost channel.
type ChannelInfo struct {
	ID     string `json:"id"`
	Type   string `json:"type"` // D, G, O, P
	TeamID string `json:"team_id"`
	Name   string `json:"name"`
}

// Post is a Mattermost post.
type Post struct {
	ID        string   `json:"id"`
	UserID    string   `json:"user_id"`
	ChannelID string   `json:"channel_id"`
	RootID    string   `json:"root_id"`
	Message   string   `json:"message"`
	Type      string   `json:"type"` // non-empty for system posts
	FileIDs   []string `json:"file_ids"`
	CreateAt  int64    `json:"create_at"`
}

// FileInfo describes an uploaded file.
type FileInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v4"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return channels.Retryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("mattermost %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return channels.Retryable(err)
		}
		return err
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Me returns the bot's own user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser fetches a user by id.
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetChannel fetches a channel by id.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*ChannelInfo, error) {
	var ch ChannelInfo
	if err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID), nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreateDirectChannel opens (or returns) the DM channel between two users.
func (c *Client) CreateDirectChannel(ctx context.Context, botUserID, peerUserID string) (*ChannelInfo, error) {
	var ch ChannelInfo
	if err := c.do(ctx, http.MethodPost, "/channels/direct", []string{botUserID, peerUserID}, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreatePost posts a message, optionally threaded and with files.
func (c *Client) CreatePost(ctx context.Context, channelID, message, rootID string, fileIDs []string) (*Post, error) {
	var p Post
	body := map[string]interface{}{
		"channel_id": channelID,
		"message":    message,
	}
	if rootID != "" {
		body["root_id"] = rootID
	}
	if len(fileIDs) > 0 {
		body["file_ids"] = fileIDs
	}
	if err := c.do(ctx, http.MethodPost, "/posts", body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SendTyping fires the typing indicator in a channel.
func (c *Client) SendTyping(ctx context.Context, botUserID, channelID, parentID string) error {
	body := map[string]string{"channel_id": channelID}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	return c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(botUserID)+"/typing", body, nil)
}

// GetFileInfo fetches file metadata.
func (c *Client) GetFileInfo(ctx context.Context, fileID string) (*FileInfo, error) {
	var fi FileInfo
	if err := c.do(ctx, http.MethodGet, "/files/"+url.PathEscape(fileID)+"/info", nil, &fi); err != nil {
		return nil, err
	}
	return &fi, nil
}

// DownloadFile streams a file to destDir, refusing anything over maxBytes.
// Returns the local path.
func (c *Client) DownloadFile(ctx context.Context, fileID, name string, maxBytes int64, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v4/files/"+url.PathEscape(fileID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", channels.Retryable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("mattermost file download: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(destDir, fileID+"-"+filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(path)
		return "", err
	}
	if n > maxBytes {
		os.Remove(path)
		return "", fmt.Errorf("file %s exceeds media limit (%d bytes)", fileID, maxBytes)
	}
	return path, nil
}

// UploadFile uploads a local file to a channel and returns its file id.
func (c *Client) UploadFile(ctx context.Context, channelID, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	u := fmt.Sprintf("%s/api/v4/files?channel_id=%s&filename=%s",
		c.baseURL, url.QueryEscape(channelID), url.QueryEscape(filepath.Base(path)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", channels.Retryable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("mattermost file upload: status %d", resp.StatusCode)
	}

	var out struct {
		FileInfos []FileInfo `json:"file_infos"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.FileInfos) == 0 {
		return "", fmt.Errorf("mattermost file upload: empty response")
	}
	return out.FileInfos[0].ID, nil
}

// WSEvent is one WebSocket event frame.
type WSEvent struct {
	Event     string                     `json:"event"`
	Data      map[string]json.RawMessage `json:"data"`
	Broadcast struct {
		ChannelID string `json:"channel_id"`
	} `json:"broadcast"`
	Seq int64 `json:"seq"`
}

// DataString decodes a string-typed field from the event data.
func (e *WSEvent) DataString(key string) string {
	raw, ok := e.Data[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Listen connects the WebSocket, authenticates, and invokes onEvent for
// every event until the connection drops or ctx ends. Returns the error
// that terminated the connection (nil on clean shutdown).
func (c *Client) Listen(ctx context.Context, onEvent func(ev WSEvent)) error {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/api/v4/websocket"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	auth := map[string]interface{}{
		"seq":    1,
		"action": "authentication_challenge",
		"data":   map[string]string{"token": c.token},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("websocket auth: %w", err)
	}

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		var ev WSEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev.Event != "" {
			onEvent(ev)
		}
	}
}
