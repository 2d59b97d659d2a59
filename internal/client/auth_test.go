package client

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/visitgate/internal/model"
)

func makeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

func TestLogin_SavesSessionAndReturnsUser(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	access := makeJWT(t, exp)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/login/", r.URL.Path)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		require.Equal(t, "a@b.c", body["email"])
		require.Equal(t, "pw", body["password"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access":  access,
			"refresh": "ref-1",
			"user":    map[string]any{"id": 7, "email": "a@b.c", "name": "Alice"},
		})
	}))
	defer ts.Close()

	repo := &memRepo{}
	c := newClient(t, ts, repo)

	sess, user, err := c.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	require.Equal(t, access, sess.AccessToken)
	require.Equal(t, "ref-1", sess.RefreshToken)
	require.WithinDuration(t, exp, sess.ExpiresAt, time.Second, "JWT exp claim must drive expiry")
	require.False(t, sess.LastActivity.IsZero())

	require.NotNil(t, user)
	require.Equal(t, "7", user.ID)
	require.Equal(t, "Alice", user.Name)

	stored, ok, _ := repo.Load()
	require.True(t, ok)
	require.Equal(t, sess.AccessToken, stored.AccessToken)
}

func TestLogin_OpaqueTokenFallsBackToWindow(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access": "opaque", "refresh": "r"})
	}))
	defer ts.Close()

	repo := &memRepo{}
	c, err := New(repo, Options{BaseURL: ts.URL, Validity: 7 * 24 * time.Hour})
	require.NoError(t, err)

	sess, user, err := c.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	require.Nil(t, user, "user is optional in the login body")
	require.WithinDuration(t, time.Now().Add(7*24*time.Hour), sess.ExpiresAt, 2*time.Second)
}

func TestLogout_BestEffort(t *testing.T) {
	var backendCalled bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendCalled = true
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	repo := &memRepo{}
	seedSession(repo, "a", "r")
	c := newClient(t, ts, repo)

	c.Logout(context.Background()) // must not panic or matter that the backend failed
	require.True(t, backendCalled)
	_, ok, _ := repo.Load()
	require.False(t, ok, "local session must be cleared regardless of backend outcome")
}

func TestLogout_NoSessionIsNoop(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no backend call expected without a session")
	}))
	defer ts.Close()

	c := newClient(t, ts, &memRepo{})
	c.Logout(context.Background())
}

func TestUpdateProfile_JSONAndMultipart(t *testing.T) {
	var lastContentType string
	var lastFields map[string]string
	var lastFile []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		lastContentType = r.Header.Get("Content-Type")
		lastFields = map[string]string{}
		if strings.HasPrefix(lastContentType, "multipart/") {
			_, params, err := mime.ParseMediaType(lastContentType)
			require.NoError(t, err)
			mr := multipart.NewReader(r.Body, params["boundary"])
			for {
				p, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				data, _ := io.ReadAll(p)
				if p.FileName() != "" {
					lastFile = data
				} else {
					lastFields[p.FormName()] = string(data)
				}
			}
		} else {
			_ = json.NewDecoder(r.Body).Decode(&lastFields)
		}
		_ = json.NewEncoder(w).Encode(userDTO{ID: "1", Email: "a@b.c", Name: "Alice", Phone: lastFields["phone"]})
	}))
	defer ts.Close()

	repo := &memRepo{}
	seedSession(repo, "a", "r")
	c := newClient(t, ts, repo)

	phone := "9876543210"
	u, err := c.UpdateProfile(context.Background(), model.ProfileFragment{Phone: &phone}, nil)
	require.NoError(t, err)
	require.Equal(t, "application/json", lastContentType)
	require.Equal(t, map[string]string{"phone": "9876543210"}, lastFields)
	require.Equal(t, "9876543210", u.Phone)

	bio := "hi"
	_, err = c.UpdateProfile(context.Background(), model.ProfileFragment{Bio: &bio},
		&AvatarUpload{Filename: "me.png", ContentType: "image/png", Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(lastContentType, "multipart/form-data"))
	require.Equal(t, "hi", lastFields["bio"])
	require.Equal(t, []byte{1, 2, 3}, lastFile)
}

func TestChangePassword_SendsAllThreeFields(t *testing.T) {
	var body map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/change-password/", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	repo := &memRepo{}
	seedSession(repo, "a", "r")
	c := newClient(t, ts, repo)

	require.NoError(t, c.ChangePassword(context.Background(), "old", "new"))
	require.Equal(t, map[string]string{
		"current_password": "old",
		"new_password":     "new",
		"new_password2":    "new",
	}, body)
}

func TestConfirmPasswordReset_TokenInQueryAndBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/password-reset-confirm/", r.URL.Path)
		require.Equal(t, "tok-1", r.URL.Query().Get("token"))
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		require.Equal(t, "tok-1", body["token"])
		require.Equal(t, "npw", body["new_password"])
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := newClient(t, ts, &memRepo{})
	require.NoError(t, c.ConfirmPasswordReset(context.Background(), "tok-1", "npw"))
}
