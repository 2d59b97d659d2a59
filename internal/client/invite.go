package client

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/and161185/visitgate/internal/errs"
	"github.com/and161185/visitgate/internal/model"
)

// PhotoUpload is a visitor photo attached to an invite mutation.
type PhotoUpload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Verify resolves an invite by its 6-character code. The format is checked
// client-side before any network call; the code is lowercased on the wire.
func (c *Client) Verify(ctx context.Context, code string) (model.Invite, error) {
	if !model.ValidCode(code) {
		return model.Invite{}, errs.ErrInvalidCode
	}
	body, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/invites/verify/" + model.NormalizeCode(code) + "/",
		authed: false,
	})
	if err != nil {
		return model.Invite{}, err
	}
	var dto inviteDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return model.Invite{}, err
	}
	inv := dto.toModel()
	if inv.IsExpired(c.now()) {
		return model.Invite{}, errs.ErrExpired
	}
	return inv, nil
}

// Update patches invite fields by id, multipart when a photo is attached.
func (c *Client) Update(ctx context.Context, id string, fields model.InviteFields, photo *PhotoUpload) (model.Invite, error) {
	var req request
	if photo == nil {
		req2, err := jsonRequest(http.MethodPatch, "/invites/"+id+"/", inviteFieldsPayload(fields), true)
		if err != nil {
			return model.Invite{}, err
		}
		req = req2
	} else {
		body, contentType, err := invitePhotoMultipart(inviteFieldsPayload(fields), "image", photo)
		if err != nil {
			return model.Invite{}, err
		}
		req = request{method: http.MethodPatch, path: "/invites/" + id + "/", body: body, contentType: contentType, authed: true}
	}
	respBody, err := c.do(ctx, req)
	if err != nil {
		return model.Invite{}, err
	}
	var dto inviteDTO
	if err := json.Unmarshal(respBody, &dto); err != nil {
		return model.Invite{}, err
	}
	return dto.toModel(), nil
}

// UploadPhotoAndCapture is the terminal registration call: associates the
// photo with the invite by code and marks visitor data as captured.
func (c *Client) UploadPhotoAndCapture(ctx context.Context, code string, photo PhotoUpload) (model.Invite, error) {
	if !model.ValidCode(code) {
		return model.Invite{}, errs.ErrInvalidCode
	}
	fields := map[string]string{"code": model.NormalizeCode(code)}
	body, contentType, err := invitePhotoMultipart(fields, "image", &photo)
	if err != nil {
		return model.Invite{}, err
	}
	respBody, err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/invites/capture/",
		body:        body,
		contentType: contentType,
	})
	if err != nil {
		return model.Invite{}, err
	}
	var dto inviteDTO
	if err := json.Unmarshal(respBody, &dto); err != nil {
		return model.Invite{}, err
	}
	return dto.toModel(), nil
}

// CheckIn marks the invite as checked in.
func (c *Client) CheckIn(ctx context.Context, id string) error {
	req, err := jsonRequest(http.MethodPost, "/invites/"+id+"/check-in/", nil, true)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, req)
	return err
}

// FetchImage downloads an existing invite photo as binary. One retry with a
// short backoff; after that the caller must fall back to upload or retake.
func (c *Client) FetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	var data []byte
	var contentType string
	backoff := retry.WithMaxRetries(1, retry.NewConstant(300*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(&errs.NetworkError{Op: "GET image", Err: err})
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return retry.RetryableError(&errs.APIError{Status: resp.StatusCode, Message: "image fetch failed"})
		}
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return retry.RetryableError(err)
		}
		data = buf.Bytes()
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

func inviteFieldsPayload(f model.InviteFields) map[string]string {
	out := map[string]string{}
	put := func(key string, v *string) {
		if v != nil {
			out[key] = *v
		}
	}
	put("name", f.Name)
	put("email", f.Email)
	put("phone", f.Phone)
	put("purpose", f.Purpose)
	return out
}

func invitePhotoMultipart(fields map[string]string, fileField string, photo *PhotoUpload) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, val := range fields {
		if err := w.WriteField(key, val); err != nil {
			return nil, "", err
		}
	}
	name := photo.Filename
	if name == "" {
		name = "photo.jpg"
	}
	fw, err := w.CreateFormFile(fileField, name)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(photo.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
