// Package model defines domain entities shared by clients, services and storage.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Role selects the workflow variant a participant operates under.
type Role int

const (
	// RoleAdministrator runs the flow on behalf of staff: full editing, pass issuance.
	RoleAdministrator Role = iota
	// RolePublicVisitor runs the flow from a shared link: restricted editing.
	RolePublicVisitor
)

// String implements fmt.Stringer.
func (r Role) String() string {
	if r == RoleAdministrator {
		return "administrator"
	}
	return "public"
}

// Session holds the persisted authentication state. All four fields are
// written and cleared together; readers must never observe a partial record.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}

// IsValid reports whether the session carries an access token that has not expired.
func (s Session) IsValid(now time.Time) bool {
	return s.AccessToken != "" && now.Before(s.ExpiresAt)
}

// TimeRemaining returns how long the access token stays valid, never negative.
func (s Session) TimeRemaining(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ShouldRefresh reports whether the token is still valid but close enough to
// expiry that a renewal is due. Expired sessions are invalid, not refreshable.
func (s Session) ShouldRefresh(now time.Time, threshold time.Duration) bool {
	rem := s.TimeRemaining(now)
	return rem > 0 && rem < threshold
}

// User is the authenticated account's profile.
type User struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	Phone      string    `json:"phone,omitempty"`
	Company    string    `json:"company,omitempty"`
	Department string    `json:"department,omitempty"`
	Position   string    `json:"position,omitempty"`
	Address    string    `json:"address,omitempty"`
	Bio        string    `json:"bio,omitempty"`
	Avatar     string    `json:"avatar,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// ProfileFragment is a partial profile update. Nil fields are "not provided"
// and keep the cached value during a merge.
type ProfileFragment struct {
	Email      *string
	Name       *string
	Role       *string
	Phone      *string
	Company    *string
	Department *string
	Position   *string
	Address    *string
	Bio        *string
	Avatar     *string
}

// FragmentOf builds a fragment from a fetched profile, treating empty
// strings as "not provided" so stale blanks never clobber cached values.
func FragmentOf(u User) ProfileFragment {
	opt := func(s string) *string {
		if s == "" {
			return nil
		}
		return &s
	}
	return ProfileFragment{
		Email:      opt(u.Email),
		Name:       opt(u.Name),
		Role:       opt(u.Role),
		Phone:      opt(u.Phone),
		Company:    opt(u.Company),
		Department: opt(u.Department),
		Position:   opt(u.Position),
		Address:    opt(u.Address),
		Bio:        opt(u.Bio),
		Avatar:     opt(u.Avatar),
	}
}

// Merge applies the fragment field by field: a provided value overwrites,
// an absent one keeps the current value.
func (u User) Merge(f ProfileFragment) User {
	set := func(dst *string, src *string) {
		if src != nil && *src != "" {
			*dst = *src
		}
	}
	set(&u.Email, f.Email)
	set(&u.Name, f.Name)
	set(&u.Role, f.Role)
	set(&u.Phone, f.Phone)
	set(&u.Company, f.Company)
	set(&u.Department, f.Department)
	set(&u.Position, f.Position)
	set(&u.Address, f.Address)
	set(&u.Bio, f.Bio)
	set(&u.Avatar, f.Avatar)
	return u
}

// AvatarURL returns the backend avatar when set, otherwise a deterministic
// placeholder keyed by the display name.
func (u User) AvatarURL() string {
	if u.Avatar != "" {
		return u.Avatar
	}
	sum := sha256.Sum256([]byte(u.Name))
	return fmt.Sprintf("https://api.dicebear.com/7.x/initials/png?seed=%s&tag=%s",
		url.QueryEscape(u.Name), hex.EncodeToString(sum[:4]))
}

// InviteStatus tracks an invite through its lifecycle.
type InviteStatus string

const (
	InvitePending   InviteStatus = "pending"
	InviteCheckedIn InviteStatus = "checked_in"
)

// Invite is one visitor's registration record. Code is the user-facing
// lookup key; ID is the stable backend key once resolved.
type Invite struct {
	ID        string       `json:"id"`
	Code      string       `json:"code"`
	Name      string       `json:"name"`
	Email     string       `json:"email"`
	Phone     string       `json:"phone"`
	Purpose   string       `json:"purpose"`
	VisitTime time.Time    `json:"visit_time"`
	ExpiresAt time.Time    `json:"expires_at"`
	InvitedBy string       `json:"invited_by"`
	Image     string       `json:"image,omitempty"`
	Status    InviteStatus `json:"status"`
}

// IsExpired reports whether the invite is past its expiry.
func (i Invite) IsExpired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// InviteFields is the editable subset of an invite sent on update.
// Nil fields are left untouched by the backend.
type InviteFields struct {
	Name    *string
	Email   *string
	Phone   *string
	Purpose *string
}

// CapturedPhoto pairs an image payload with a locally displayable preview.
// The owner must release it when superseding it with a new capture.
type CapturedPhoto struct {
	Data        []byte
	ContentType string
	PreviewPath string
}

// Release removes the local preview resource. Safe to call on a zero value.
func (p *CapturedPhoto) Release(remove func(string) error) {
	if p == nil || p.PreviewPath == "" || remove == nil {
		return
	}
	_ = remove(p.PreviewPath)
	p.PreviewPath = ""
}

var (
	codeRe  = regexp.MustCompile(`^[a-z0-9]{6}$`)
	emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	digitRe = regexp.MustCompile(`\D`)
)

// NormalizeCode lowercases and trims an invite code.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// ValidCode reports whether code normalizes to exactly 6 alphanumerics.
func ValidCode(code string) bool {
	return codeRe.MatchString(NormalizeCode(code))
}

// ValidEmail reports whether addr looks like a mail address.
func ValidEmail(addr string) bool {
	return emailRe.MatchString(addr)
}

// ValidPhone reports whether phone is exactly 10 digits.
func ValidPhone(phone string) bool {
	return len(phone) == 10 && digitRe.FindStringIndex(phone) == nil
}

// FilterPhoneInput strips non-digits and caps at 10 digits. Applied as the
// user types, so partial input is never an error.
func FilterPhoneInput(raw string) string {
	s := digitRe.ReplaceAllString(raw, "")
	if len(s) > 10 {
		s = s[:10]
	}
	return s
}
