package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adwski/studyroom-sync/client/model"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout     = 30 * time.Second
	DefaultHistorySize = 30

	roleOwner = "OWNER"
)

var (
	ErrForbidden        = errors.New("access forbidden")
	ErrNotFound         = errors.New("resource not found")
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrFailed           = errors.New("request was not successful")
)

type (
	Config struct {
		Logger     *zerolog.Logger
		BaseURL    string
		Token      string
		HTTPClient *http.Client
	}

	// Client talks to the study REST API. Every response is wrapped in
	// {success, data, error}.
	Client struct {
		logger  zerolog.Logger
		baseURL string
		token   string
		http    *http.Client
	}

	envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	Member struct {
		UserID     int64  `json:"userId"`
		Nickname   string `json:"nickname"`
		ProfileImg string `json:"profileImg"`
		Role       string `json:"role"`
		IsOnline   bool   `json:"isOnline"`
	}

	RoomDetail struct {
		ID          int64  `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description"`
		InviteCode  string `json:"inviteCode"`
		Owner       *struct {
			ID int64 `json:"id"`
		} `json:"owner,omitempty"`
		Members []Member `json:"members"`
	}

	// ChatPage is one page of history, newest first as served.
	ChatPage struct {
		Messages []model.ChatMessage
		HasMore  bool
	}

	SuccessfulSubmission struct {
		SubmissionID  int64  `json:"submissionId"`
		UserID        int64  `json:"userId"`
		Nickname      string `json:"nickname"`
		Language      string `json:"language"`
		Memory        int64  `json:"memory"`
		ExecutionTime int64  `json:"executionTime"`
	}

	SubmissionDetail struct {
		SubmissionID int64  `json:"submissionId"`
		Code         string `json:"code"`
		Language     string `json:"language"`
	}
)

func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		logger:  cfg.Logger.With().Str("component", "api").Logger(),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    hc,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	_ = json.Unmarshal(respBody, &env)
	msg := ""
	if env.Error != nil {
		msg = env.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, msg)
	}
	if !env.Success {
		return fmt.Errorf("%w: %s", ErrFailed, msg)
	}

	c.logger.Trace().Str("method", method).Str("path", path).Msg("request done")
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) Room(ctx context.Context, roomID int64) (RoomDetail, error) {
	var room RoomDetail
	err := c.do(ctx, http.MethodGet, "/api/studies/"+strconv.FormatInt(roomID, 10), nil, &room)
	return room, err
}

// Participants returns the membership roster of a room.
func (c *Client) Participants(ctx context.Context, roomID int64) ([]model.Participant, error) {
	room, err := c.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Participants(), nil
}

func (r RoomDetail) Info() model.RoomInfo {
	return model.RoomInfo{
		RoomID:      r.ID,
		Title:       r.Title,
		Description: r.Description,
		InviteCode:  r.InviteCode,
	}
}

func (r RoomDetail) Participants() []model.Participant {
	out := make([]model.Participant, 0, len(r.Members))
	for _, m := range r.Members {
		out = append(out, model.Participant{
			ID:           m.UserID,
			Nickname:     m.Nickname,
			ProfileImage: m.ProfileImg,
			IsOwner:      m.Role == roleOwner || (r.Owner != nil && r.Owner.ID == m.UserID),
			IsOnline:     m.IsOnline,
		})
	}
	return out
}

// History fetches one page of chat history. Page 0 holds the newest
// messages.
func (c *Client) History(ctx context.Context, roomID int64, page, size int) (ChatPage, error) {
	if size <= 0 {
		size = DefaultHistorySize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))

	var resp struct {
		Content []model.ChatMessage `json:"content"`
		Last    *bool               `json:"last"`
	}
	path := "/api/studies/" + strconv.FormatInt(roomID, 10) + "/chats?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return ChatPage{}, err
	}

	hasMore := len(resp.Content) >= size
	if resp.Last != nil {
		hasMore = !*resp.Last
	}
	for i := range resp.Content {
		resp.Content[i].Normalize()
	}
	return ChatPage{Messages: resp.Content, HasMore: hasMore}, nil
}

// Problems returns the curriculum of a room for the given date (YYYY-MM-DD).
func (c *Client) Problems(ctx context.Context, roomID int64, date string) ([]model.Problem, error) {
	q := url.Values{}
	q.Set("date", date)
	var out []model.Problem
	path := "/api/studies/" + strconv.FormatInt(roomID, 10) + "/curriculum/daily?" + q.Encode()
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Submissions(ctx context.Context, roomID, problemID int64) ([]SuccessfulSubmission, error) {
	var out []SuccessfulSubmission
	path := fmt.Sprintf("/api/submissions/study/%d/problem/%d", roomID, problemID)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Submission(ctx context.Context, submissionID int64) (SubmissionDetail, error) {
	var out SubmissionDetail
	err := c.do(ctx, http.MethodGet, "/api/submissions/"+strconv.FormatInt(submissionID, 10), nil, &out)
	return out, err
}
