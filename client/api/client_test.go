package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adwski/studyroom-sync/client/model"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, r http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	logger := zerolog.Nop()
	return NewClient(Config{Logger: &logger, BaseURL: srv.URL + "/", Token: "tkn"})
}

func reply(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func TestRoom(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/studies/{id}", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer tkn" {
			reply(w, http.StatusUnauthorized, `{"success":false,"error":{"code":"AUTH","message":"no token"}}`)
			return
		}
		switch chi.URLParam(req, "id") {
		case "10":
			reply(w, http.StatusOK, `{"success":true,"data":{
				"id":10,"title":"Graphs","description":"bfs","inviteCode":"X1",
				"owner":{"id":2},
				"members":[
					{"userId":1,"nickname":"me","role":"MEMBER","isOnline":true},
					{"userId":2,"nickname":"ann","role":"MEMBER"},
					{"userId":3,"nickname":"bob","role":"OWNER"}
				]}}`)
		case "11":
			reply(w, http.StatusForbidden, `{"success":false,"error":{"code":"FORBIDDEN","message":"not a member"}}`)
		case "12":
			reply(w, http.StatusOK, `{"success":false,"error":{"code":"GONE","message":"deleted"}}`)
		default:
			reply(w, http.StatusInternalServerError, `oops`)
		}
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	room, err := c.Room(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.RoomInfo{RoomID: 10, Title: "Graphs", Description: "bfs", InviteCode: "X1"}, room.Info())

	ps, err := c.Participants(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ps, 3)
	assert.Equal(t, model.Participant{ID: 1, Nickname: "me", IsOnline: true}, ps[0])
	assert.True(t, ps[1].IsOwner)
	assert.True(t, ps[2].IsOwner)

	_, err = c.Room(ctx, 11)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorContains(t, err, "not a member")

	_, err = c.Room(ctx, 12)
	assert.ErrorIs(t, err, ErrFailed)

	_, err = c.Room(ctx, 13)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	_, err = c.Submission(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistory(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/studies/{id}/chats", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		switch q.Get("page") {
		case "0":
			assert.Equal(t, "2", q.Get("size"))
			reply(w, http.StatusOK, `{"success":true,"data":{"content":[
				{"id":5,"content":"b","senderId":1},
				{"id":4,"content":"a","senderId":2,"metadata":{"code":"x","language":"go"}}
			],"last":false}}`)
		default:
			reply(w, http.StatusOK, `{"success":true,"data":{"content":[{"id":3,"content":"z","type":"SYSTEM"}]}}`)
		}
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	page, err := c.History(ctx, 10, 0, 2)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, model.FlexID("5"), page.Messages[0].ID)
	assert.Equal(t, model.ChatTalk, page.Messages[0].Type)
	assert.Equal(t, model.ChatCode, page.Messages[1].Type)

	page, err = c.History(ctx, 10, 1, 2)
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, model.ChatSystem, page.Messages[0].Type)
}

func TestProblemsAndSubmissions(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/studies/{id}/curriculum/daily", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "2026-10-18", req.URL.Query().Get("date"))
		reply(w, http.StatusOK, `{"success":true,"data":[{"studyProblemId":1,"problemId":1000,"title":"A+B"}]}`)
	})
	r.Get("/api/submissions/study/{id}/problem/{pid}", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, `{"success":true,"data":[{"submissionId":9,"userId":2,"nickname":"ann","language":"go"}]}`)
	})
	r.Get("/api/submissions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, `{"success":true,"data":{"submissionId":9,"code":"package main","language":"go"}}`)
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	problems, err := c.Problems(ctx, 10, "2026-10-18")
	require.NoError(t, err)
	assert.Equal(t, []model.Problem{{StudyProblemID: 1, ProblemID: 1000, Title: "A+B"}}, problems)

	subs, err := c.Submissions(ctx, 10, 1000)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "ann", subs[0].Nickname)

	sub, err := c.Submission(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "package main", sub.Code)
}
