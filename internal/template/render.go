// Package template renders reset-delivery text.
//
// Supported variables:
//
//	{{reset.token}}, {{reset.email}}, {{reset.name}}, {{reset.url}},
//	{{reset.expires_at}}, {{reset.expires_in_minutes}}
package template

import (
	"strconv"
	"strings"
	"time"

	"github.com/credgate/backend/internal/model"
)

// ResetData holds the values substituted into reset templates.
type ResetData struct {
	Token     string
	Email     string
	Name      string
	URL       string
	ExpiresAt time.Time
	ExpiresIn time.Duration
}

// ResetDataFromMessage builds ResetData; now is used for the remaining
// lifetime and urlTemplate may itself reference {{reset.token}}.
func ResetDataFromMessage(msg model.ResetMessage, urlTemplate string, now time.Time) ResetData {
	data := ResetData{
		Token:     msg.Token,
		Email:     msg.Email,
		Name:      msg.Name,
		ExpiresAt: msg.ExpiresAt,
		ExpiresIn: msg.ExpiresAt.Sub(now),
	}
	data.URL = Render(urlTemplate, &data)
	return data
}

// Render replaces reset variables in body. A nil data blanks every variable.
func Render(body string, data *ResetData) string {
	if data == nil {
		return strings.NewReplacer(
			"{{reset.token}}", "",
			"{{reset.email}}", "",
			"{{reset.name}}", "",
			"{{reset.url}}", "",
			"{{reset.expires_at}}", "",
			"{{reset.expires_in_minutes}}", "",
		).Replace(body)
	}

	minutes := int(data.ExpiresIn.Round(time.Minute) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	expiresAt := ""
	if !data.ExpiresAt.IsZero() {
		expiresAt = data.ExpiresAt.UTC().Format(time.RFC3339)
	}

	return strings.NewReplacer(
		"{{reset.token}}", data.Token,
		"{{reset.email}}", data.Email,
		"{{reset.name}}", data.Name,
		"{{reset.url}}", data.URL,
		"{{reset.expires_at}}", expiresAt,
		"{{reset.expires_in_minutes}}", strconv.Itoa(minutes),
	).Replace(body)
}
