package model

import "time"

type ErrorResponse struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
	RetryAfter *int64         `json:"retryAfter,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type PingResponse struct {
	Message string `json:"message"`
}

type RootResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
