package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/visitgate/internal/errs"
	"github.com/and161185/visitgate/internal/model"
)

// tokenExpiry extracts the exp claim when the token parses as a JWT,
// otherwise falls back to now plus the configured validity window.
func tokenExpiry(token string, now time.Time, validity time.Duration) time.Time {
	var claims jwt.RegisteredClaims
	_, _ = jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return nil, nil },
		jwt.WithoutClaimsValidation(),
	)
	if claims.ExpiresAt != nil && claims.ExpiresAt.After(now) {
		return claims.ExpiresAt.Time
	}
	return now.Add(validity)
}

// passwordFields are the keys whose presence marks a structured
// password-change validation body.
var passwordFields = []string{"current_password", "new_password", "new_password2"}

// parseAPIError maps a non-2xx body to the error taxonomy: field-level
// validation errors when the body carries password-change field names,
// otherwise error/detail/message in that priority, falling back to raw text.
func parseAPIError(status int, body []byte) error {
	var m map[string]any
	if json.Unmarshal(body, &m) == nil && m != nil {
		fields := map[string][]string{}
		for _, f := range passwordFields {
			if v, ok := m[f]; ok {
				fields[f] = toMessages(v)
			}
		}
		if len(fields) > 0 {
			return &errs.ValidationError{Fields: fields}
		}
		for _, key := range []string{"error", "detail", "message"} {
			if v, ok := m[key].(string); ok && v != "" {
				return wrapStatus(status, v)
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return wrapStatus(status, msg)
}

func toMessages(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

func wrapStatus(status int, msg string) error {
	e := &errs.APIError{Status: status, Message: msg}
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", errs.ErrUnauthorized, e)
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: %w", errs.ErrNotFound, e)
	}
	return e
}

// --- wire DTOs ---

type userDTO struct {
	ID         json.Number `json:"id"`
	Email      string      `json:"email"`
	Name       string      `json:"name"`
	Role       string      `json:"role"`
	Phone      string      `json:"phone"`
	Company    string      `json:"company"`
	Department string      `json:"department"`
	Position   string      `json:"position"`
	Address    string      `json:"address"`
	Bio        string      `json:"bio"`
	Avatar     string      `json:"avatar"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (d userDTO) toModel() model.User {
	return model.User{
		ID:         d.ID.String(),
		Email:      d.Email,
		Name:       d.Name,
		Role:       d.Role,
		Phone:      d.Phone,
		Company:    d.Company,
		Department: d.Department,
		Position:   d.Position,
		Address:    d.Address,
		Bio:        d.Bio,
		Avatar:     d.Avatar,
		CreatedAt:  d.CreatedAt,
	}
}

type inviteDTO struct {
	ID        json.Number `json:"id"`
	Code      string      `json:"code"`
	Name      string      `json:"name"`
	Email     string      `json:"email"`
	Phone     string      `json:"phone"`
	Purpose   string      `json:"purpose"`
	VisitTime time.Time   `json:"visit_time"`
	ExpiresAt time.Time   `json:"expires_at"`
	InvitedBy string      `json:"invited_by"`
	Image     string      `json:"image"`
	Status    string      `json:"status"`
	CheckedIn bool        `json:"checked_in"`
}

func (d inviteDTO) toModel() model.Invite {
	status := model.InviteStatus(d.Status)
	if d.CheckedIn {
		status = model.InviteCheckedIn
	}
	if status == "" {
		status = model.InvitePending
	}
	return model.Invite{
		ID:        d.ID.String(),
		Code:      model.NormalizeCode(d.Code),
		Name:      d.Name,
		Email:     d.Email,
		Phone:     d.Phone,
		Purpose:   d.Purpose,
		VisitTime: d.VisitTime,
		ExpiresAt: d.ExpiresAt,
		InvitedBy: d.InvitedBy,
		Image:     d.Image,
		Status:    status,
	}
}

type loginResponse struct {
	Access  string   `json:"access"`
	Refresh string   `json:"refresh"`
	User    *userDTO `json:"user"`
}
