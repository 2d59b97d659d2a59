package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/and161185/visitgate/internal/model"
)

// Login authenticates and persists the full session record atomically.
// The returned user is nil when the backend omits it from the login body.
func (c *Client) Login(ctx context.Context, email, password string) (model.Session, *model.User, error) {
	req, err := jsonRequest(http.MethodPost, "/auth/login/", map[string]string{
		"email":    email,
		"password": password,
	}, false)
	if err != nil {
		return model.Session{}, nil, err
	}
	body, err := c.do(ctx, req)
	if err != nil {
		return model.Session{}, nil, err
	}
	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.Session{}, nil, err
	}
	if resp.Access == "" || resp.Refresh == "" {
		return model.Session{}, nil, fmt.Errorf("login response missing tokens")
	}
	now := c.now()
	sess := model.Session{
		AccessToken:  resp.Access,
		RefreshToken: resp.Refresh,
		ExpiresAt:    tokenExpiry(resp.Access, now, c.validity),
		LastActivity: now,
	}
	if err := c.repo.Save(sess); err != nil {
		return model.Session{}, nil, err
	}
	var user *model.User
	if resp.User != nil {
		u := resp.User.toModel()
		user = &u
	}
	return sess, user, nil
}

// Refresh renews the access token, keeping the refresh token and the rest of
// the record, and returns the updated session.
func (c *Client) Refresh(ctx context.Context) (model.Session, error) {
	if err := c.refreshSession(ctx); err != nil {
		return model.Session{}, err
	}
	s, _, err := c.repo.Load()
	return s, err
}

// Logout tells the backend to revoke the refresh token, best-effort, and
// always clears the local session. It never fails from the caller's view.
func (c *Client) Logout(ctx context.Context) {
	if s, ok, err := c.repo.Load(); err == nil && ok && s.RefreshToken != "" {
		req, err := jsonRequest(http.MethodPost, "/auth/logout/", map[string]string{"refresh": s.RefreshToken}, true)
		if err == nil {
			if _, err := c.do(ctx, req); err != nil {
				c.log.Debug("backend logout failed, clearing locally anyway", zap.Error(err))
			}
		}
	}
	c.clearSession()
}

// Register creates a new account. The backend replies with an OTP challenge.
func (c *Client) Register(ctx context.Context, email, name, password string) error {
	req, err := jsonRequest(http.MethodPost, "/auth/register/", map[string]string{
		"email":    email,
		"name":     name,
		"password": password,
	}, false)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, req)
	return err
}

// VerifyOTP confirms the registration one-time code.
func (c *Client) VerifyOTP(ctx context.Context, email, otp string) error {
	req, err := jsonRequest(http.MethodPost, "/auth/verify-otp/", map[string]string{
		"email": email,
		"otp":   otp,
	}, false)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, req)
	return err
}

// Me fetches the current user's profile.
func (c *Client) Me(ctx context.Context) (model.User, error) {
	body, err := c.do(ctx, request{method: http.MethodGet, path: "/auth/me/", authed: true})
	if err != nil {
		return model.User{}, err
	}
	var dto userDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return model.User{}, err
	}
	return dto.toModel(), nil
}

// AvatarUpload is an optional avatar file attached to a profile update.
type AvatarUpload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// UpdateProfile patches the profile with the provided fragment fields.
// With an avatar attached the request switches to multipart.
func (c *Client) UpdateProfile(ctx context.Context, f model.ProfileFragment, avatar *AvatarUpload) (model.User, error) {
	var req request
	if avatar == nil {
		req2, err := jsonRequest(http.MethodPatch, "/auth/me/", fragmentPayload(f), true)
		if err != nil {
			return model.User{}, err
		}
		req = req2
	} else {
		body, contentType, err := fragmentMultipart(f, avatar)
		if err != nil {
			return model.User{}, err
		}
		req = request{method: http.MethodPatch, path: "/auth/me/", body: body, contentType: contentType, authed: true}
	}
	respBody, err := c.do(ctx, req)
	if err != nil {
		return model.User{}, err
	}
	var dto userDTO
	if err := json.Unmarshal(respBody, &dto); err != nil {
		return model.User{}, err
	}
	return dto.toModel(), nil
}

// ChangePassword updates the account password. Field-level backend errors
// surface as *errs.ValidationError.
func (c *Client) ChangePassword(ctx context.Context, current, newPassword string) error {
	req, err := jsonRequest(http.MethodPost, "/auth/change-password/", map[string]string{
		"current_password": current,
		"new_password":     newPassword,
		"new_password2":    newPassword,
	}, true)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, req)
	return err
}

// RequestPasswordReset asks the backend to mail a reset link.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	req, err := jsonRequest(http.MethodPost, "/auth/password-reset-request/", map[string]string{"email": email}, false)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, req)
	return err
}

// ConfirmPasswordReset completes a reset using the mailed token.
func (c *Client) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	req, err := jsonRequest(http.MethodPost, "/auth/password-reset-confirm/", map[string]string{
		"token":        token,
		"new_password": newPassword,
	}, false)
	if err != nil {
		return err
	}
	req.query = url.Values{"token": {token}}
	_, err = c.do(ctx, req)
	return err
}

func fragmentPayload(f model.ProfileFragment) map[string]string {
	out := map[string]string{}
	put := func(key string, v *string) {
		if v != nil {
			out[key] = *v
		}
	}
	put("email", f.Email)
	put("name", f.Name)
	put("phone", f.Phone)
	put("company", f.Company)
	put("department", f.Department)
	put("position", f.Position)
	put("address", f.Address)
	put("bio", f.Bio)
	return out
}

func fragmentMultipart(f model.ProfileFragment, avatar *AvatarUpload) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, val := range fragmentPayload(f) {
		if err := w.WriteField(key, val); err != nil {
			return nil, "", err
		}
	}
	name := avatar.Filename
	if name == "" {
		name = "avatar.jpg"
	}
	fw, err := w.CreateFormFile("avatar", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(avatar.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
