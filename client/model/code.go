package model

import (
	"encoding/json"
	"fmt"
)

type (
	RequestCode struct {
		RoomID       int64 `json:"roomId"`
		TargetUserID int64 `json:"targetUserId"`
		RequesterID  int64 `json:"requesterId,omitempty"`
	}

	CodeChange struct {
		RoomID    int64  `json:"roomId"`
		UserID    int64  `json:"userId"`
		ProblemID int64  `json:"problemId"`
		Code      string `json:"code"`
	}

	LanguageChange struct {
		RoomID    int64  `json:"roomId"`
		UserID    int64  `json:"userId"`
		ProblemID int64  `json:"problemId"`
		Language  string `json:"language"`
	}

	// CodeRestore distinguishes a null code (no saved code) from "".
	CodeRestore struct {
		Code      *string `json:"code"`
		Language  string  `json:"language,omitempty"`
		ProblemID int64   `json:"problemId,omitempty"`
	}

	ProblemSelect struct {
		RoomID         int64 `json:"roomId"`
		StudyProblemID int64 `json:"studyProblemId"`
		ProblemID      int64 `json:"problemId"`
	}
)

func DecodeRequestCode(body []byte) (RequestCode, error) {
	var req RequestCode
	if err := json.Unmarshal(unwrapData(body), &req); err != nil {
		return req, fmt.Errorf("decode request-code: %w", err)
	}
	return req, nil
}

func DecodeCodeChange(body []byte) (CodeChange, error) {
	var c CodeChange
	if err := json.Unmarshal(unwrapData(body), &c); err != nil {
		return c, fmt.Errorf("decode code-change: %w", err)
	}
	return c, nil
}

func DecodeLanguageChange(body []byte) (LanguageChange, error) {
	var c LanguageChange
	if err := json.Unmarshal(unwrapData(body), &c); err != nil {
		return c, fmt.Errorf("decode language-change: %w", err)
	}
	return c, nil
}

func DecodeCodeRestore(body []byte) (CodeRestore, error) {
	var r CodeRestore
	if err := json.Unmarshal(unwrapData(body), &r); err != nil {
		return r, fmt.Errorf("decode code-restore: %w", err)
	}
	return r, nil
}

// unwrapData strips an optional {type, data} envelope.
func unwrapData(body []byte) []byte {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Type != "" && len(env.Data) > 0 {
		return env.Data
	}
	return body
}
