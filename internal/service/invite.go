package service

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/visitgate/internal/camera"
	"github.com/and161185/visitgate/internal/client"
	"github.com/and161185/visitgate/internal/errs"
	"github.com/and161185/visitgate/internal/model"
	"github.com/and161185/visitgate/internal/repository"
)

// InviteAPI is the backend surface the workflow consumes.
type InviteAPI interface {
	Verify(ctx context.Context, code string) (model.Invite, error)
	Update(ctx context.Context, id string, fields model.InviteFields, photo *client.PhotoUpload) (model.Invite, error)
	UploadPhotoAndCapture(ctx context.Context, code string, photo client.PhotoUpload) (model.Invite, error)
	CheckIn(ctx context.Context, id string) error
	FetchImage(ctx context.Context, imageURL string) ([]byte, string, error)
}

// Camera is the capture surface the photo step consumes.
type Camera interface {
	Start(ctx context.Context, facing camera.Facing) error
	SwitchFacing(ctx context.Context) error
	Capture(ctx context.Context) (model.CapturedPhoto, error)
	Stop()
}

// PassRenderer produces the downloadable pass artifact.
type PassRenderer interface {
	Render(inv model.Invite, photo []byte) (path string, err error)
}

// Step is one of the four ordered workflow stages.
type Step int

const (
	StepCodeEntry Step = iota
	StepVerify
	StepPhoto
	StepDone
)

// String implements fmt.Stringer.
func (s Step) String() string {
	switch s {
	case StepCodeEntry:
		return "code-entry"
	case StepVerify:
		return "verify"
	case StepPhoto:
		return "photo"
	default:
		return "done"
	}
}

// photoSource tracks which of the mutually exclusive photo paths produced
// the current payload.
type photoSource int

const (
	photoNone photoSource = iota
	photoCaptured
	photoUploaded
	photoExisting
)

// draft holds the editable invite fields between verify and save.
type draft struct {
	name    string
	email   string
	phone   string
	purpose string
	dirty   bool
}

// Workflow is the four-step visitor registration/check-in state machine,
// parameterized by role. All state transitions are guarded by a busy flag so
// at most one mutating operation is in flight per step.
type Workflow struct {
	api      InviteAPI
	cam      Camera
	passes   PassRenderer
	notifier repository.Notifier
	role     model.Role
	log      *zap.Logger

	removePreview func(string) error

	mu        sync.Mutex
	step      Step
	busy      bool
	stepErr   error
	invite    model.Invite
	existing  string // server-side image recorded at verify time
	draft     draft
	photo     model.CapturedPhoto
	source    photoSource
	checkedIn bool
	passPath  string
}

// WorkflowOptions configures a Workflow.
type WorkflowOptions struct {
	Role     model.Role
	Passes   PassRenderer
	Notifier repository.Notifier
	Logger   *zap.Logger
}

// NewWorkflow builds a workflow at the CodeEntry step.
func NewWorkflow(api InviteAPI, cam Camera, opts WorkflowOptions) *Workflow {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Workflow{
		api:           api,
		cam:           cam,
		passes:        opts.Passes,
		notifier:      opts.Notifier,
		role:          opts.Role,
		log:           log,
		removePreview: os.Remove,
		step:          StepCodeEntry,
	}
}

// Step returns the current workflow step.
func (w *Workflow) Step() Step {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.step
}

// Err returns the error scoped to the current step, nil when clean.
func (w *Workflow) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stepErr
}

// Invite returns the resolved invite with any saved edits applied.
func (w *Workflow) Invite() model.Invite {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.invite
}

// Role returns the workflow's operating role.
func (w *Workflow) Role() model.Role { return w.role }

// HasExistingImage reports whether the invite carried a server-side photo.
func (w *Workflow) HasExistingImage() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.existing != ""
}

// PassPath returns the rendered pass artifact path, empty until printed.
func (w *Workflow) PassPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.passPath
}

// begin takes the busy flag for a user-initiated action in the given step.
// Each new action clears the step's previous error.
func (w *Workflow) begin(step Step) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.step != step {
		return fmt.Errorf("%s action in %s step", step, w.step)
	}
	if w.busy {
		return errs.ErrBusy
	}
	w.busy = true
	w.stepErr = nil
	return nil
}

// finish releases the busy flag, recording err against the current step.
func (w *Workflow) finish(err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = false
	w.stepErr = err
	return err
}

// SubmitCode resolves the invite code and advances CodeEntry -> Verify.
// Invalid format or verify failure keeps the step with an error.
func (w *Workflow) SubmitCode(ctx context.Context, code string) error {
	if err := w.begin(StepCodeEntry); err != nil {
		return err
	}
	if !model.ValidCode(code) {
		return w.finish(errs.ErrInvalidCode)
	}
	inv, err := w.api.Verify(ctx, code)
	if err != nil {
		return w.finish(err)
	}

	w.mu.Lock()
	w.invite = inv
	w.existing = inv.Image
	w.draft = draft{name: inv.Name, email: inv.Email, phone: inv.Phone, purpose: inv.Purpose}
	w.step = StepVerify
	w.mu.Unlock()
	w.log.Info("invite verified", zap.String("invite", inv.ID), zap.String("role", w.role.String()))
	return w.finish(nil)
}

// Draft returns the current editable field values.
func (w *Workflow) Draft() (name, email, phone, purpose string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft.name, w.draft.email, w.draft.phone, w.draft.purpose
}

// SetName edits the visitor name. Administrator only.
func (w *Workflow) SetName(name string) error {
	return w.setField(func(d *draft) { d.name = name }, true)
}

// SetEmail edits the visitor email. Administrator only.
func (w *Workflow) SetEmail(email string) error {
	return w.setField(func(d *draft) { d.email = email }, true)
}

// SetPhone edits the phone. Input is digit-filtered and capped at 10 digits
// as typed, so partial input never errors. Both roles may edit it.
func (w *Workflow) SetPhone(raw string) error {
	return w.setField(func(d *draft) { d.phone = model.FilterPhoneInput(raw) }, false)
}

// SetPurpose edits the purpose of visit. Both roles may edit it.
func (w *Workflow) SetPurpose(purpose string) error {
	return w.setField(func(d *draft) { d.purpose = purpose }, false)
}

func (w *Workflow) setField(apply func(*draft), adminOnly bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.step != StepVerify {
		return fmt.Errorf("edit in %s step", w.step)
	}
	if adminOnly && w.role != model.RoleAdministrator {
		return fmt.Errorf("field not editable in %s mode", w.role)
	}
	w.stepErr = nil
	apply(&w.draft)
	w.draft.dirty = true
	return nil
}

// SaveDetails persists edited fields via update. Required before advancing
// whenever editable fields changed.
func (w *Workflow) SaveDetails(ctx context.Context) error {
	if err := w.begin(StepVerify); err != nil {
		return err
	}
	w.mu.Lock()
	if err := w.validateDraftLocked(); err != nil {
		w.mu.Unlock()
		return w.finish(err)
	}
	id := w.invite.ID
	fields := w.changedFieldsLocked()
	w.mu.Unlock()

	inv, err := w.api.Update(ctx, id, fields, nil)
	if err != nil {
		return w.finish(err)
	}
	w.mu.Lock()
	w.applyUpdatedLocked(inv)
	w.draft.dirty = false
	w.mu.Unlock()
	return w.finish(nil)
}

// AdvanceToPhoto validates the details and moves Verify -> Photo. Unsaved
// edits block the transition: saving is an explicit action.
func (w *Workflow) AdvanceToPhoto() error {
	if err := w.begin(StepVerify); err != nil {
		return err
	}
	w.mu.Lock()
	if w.draft.dirty {
		w.mu.Unlock()
		return w.finish(errs.NewValidation("details", "save changes before continuing"))
	}
	if err := w.validateDraftLocked(); err != nil {
		w.mu.Unlock()
		return w.finish(err)
	}
	w.step = StepPhoto
	w.mu.Unlock()
	return w.finish(nil)
}

// validateDraftLocked enforces the per-role field rules. Public mode skips
// name/email since they are not editable there.
func (w *Workflow) validateDraftLocked() error {
	fields := map[string][]string{}
	if w.role == model.RoleAdministrator {
		if w.draft.name == "" {
			fields["name"] = append(fields["name"], "name is required")
		}
		if w.draft.email == "" || !model.ValidEmail(w.draft.email) {
			fields["email"] = append(fields["email"], "valid email is required")
		}
	}
	if w.draft.phone != "" && !model.ValidPhone(w.draft.phone) {
		fields["phone"] = append(fields["phone"], "phone must be exactly 10 digits")
	}
	if len(fields) > 0 {
		return &errs.ValidationError{Fields: fields}
	}
	return nil
}

func (w *Workflow) changedFieldsLocked() model.InviteFields {
	var f model.InviteFields
	if v := w.draft.name; v != w.invite.Name {
		f.Name = &v
	}
	if v := w.draft.email; v != w.invite.Email {
		f.Email = &v
	}
	if v := w.draft.phone; v != w.invite.Phone {
		f.Phone = &v
	}
	if v := w.draft.purpose; v != w.invite.Purpose {
		f.Purpose = &v
	}
	return f
}

func (w *Workflow) applyUpdatedLocked(inv model.Invite) {
	// the verify-time id and code stay authoritative; updates may echo less
	if inv.ID != "" {
		w.invite.ID = inv.ID
	}
	if inv.Code != "" {
		w.invite.Code = inv.Code
	}
	w.invite.Name = w.draft.name
	w.invite.Email = w.draft.email
	w.invite.Phone = w.draft.phone
	w.invite.Purpose = w.draft.purpose
	if inv.Image != "" {
		w.invite.Image = inv.Image
		w.existing = inv.Image
	}
}

// StartCamera begins live capture in the photo step.
func (w *Workflow) StartCamera(ctx context.Context, facing camera.Facing) error {
	if err := w.begin(StepPhoto); err != nil {
		return err
	}
	return w.finish(w.cam.Start(ctx, facing))
}

// SwitchCamera flips between front and back cameras.
func (w *Workflow) SwitchCamera(ctx context.Context) error {
	if err := w.begin(StepPhoto); err != nil {
		return err
	}
	return w.finish(w.cam.SwitchFacing(ctx))
}

// CapturePhoto takes a frame from the live stream as the working photo.
func (w *Workflow) CapturePhoto(ctx context.Context) error {
	if err := w.begin(StepPhoto); err != nil {
		return err
	}
	photo, err := w.cam.Capture(ctx)
	if err != nil {
		return w.finish(err)
	}
	w.setPhoto(photo, photoCaptured)
	return w.finish(nil)
}

// AttachPhoto uses an uploaded file as the working photo.
func (w *Workflow) AttachPhoto(data []byte, contentType string) error {
	if err := w.begin(StepPhoto); err != nil {
		return err
	}
	if len(data) == 0 {
		return w.finish(errs.NewValidation("photo", "empty photo upload"))
	}
	w.setPhoto(model.CapturedPhoto{Data: data, ContentType: contentType}, photoUploaded)
	return w.finish(nil)
}

// UseExistingPhoto fetches the server-side image recorded at verify time and
// adopts it as the working photo. This is the explicit user confirmation the
// public flow requires; the fetch is allowed to fail, pushing the user to
// upload or retake instead.
func (w *Workflow) UseExistingPhoto(ctx context.Context) error {
	if err := w.begin(StepPhoto); err != nil {
		return err
	}
	w.mu.Lock()
	url := w.existing
	w.mu.Unlock()
	if url == "" {
		return w.finish(errs.NewValidation("photo", "no existing photo on this invite"))
	}
	data, contentType, err := w.api.FetchImage(ctx, url)
	if err != nil {
		return w.finish(err)
	}
	w.setPhoto(model.CapturedPhoto{Data: data, ContentType: contentType}, photoExisting)
	return w.finish(nil)
}

// ReplacePhotoDirect immediately persists a new photo on the invite without
// leaving the step. Administrator only.
func (w *Workflow) ReplacePhotoDirect(ctx context.Context, data []byte, contentType string) error {
	if w.role != model.RoleAdministrator {
		return fmt.Errorf("direct photo replace not available in %s mode", w.role)
	}
	if err := w.begin(StepPhoto); err != nil {
		return err
	}
	w.mu.Lock()
	id := w.invite.ID
	w.mu.Unlock()
	inv, err := w.api.Update(ctx, id, model.InviteFields{}, &client.PhotoUpload{
		Filename:    "photo.jpg",
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		return w.finish(err)
	}
	w.mu.Lock()
	if inv.Image != "" {
		w.invite.Image = inv.Image
		w.existing = inv.Image
	}
	w.mu.Unlock()
	w.setPhoto(model.CapturedPhoto{Data: data, ContentType: contentType}, photoUploaded)
	return w.finish(nil)
}

// setPhoto supersedes the working photo, releasing the old preview resource.
func (w *Workflow) setPhoto(p model.CapturedPhoto, src photoSource) {
	w.mu.Lock()
	old := w.photo
	w.photo = p
	w.source = src
	w.mu.Unlock()
	old.Release(w.removePreview)
}

// Advance completes the photo step: "Create Pass" for administrators,
// "Complete Registration" for public visitors. Both call the terminal
// upload-and-capture exactly once on success.
func (w *Workflow) Advance(ctx context.Context) error {
	if err := w.begin(StepPhoto); err != nil {
		return err
	}
	w.mu.Lock()
	if w.source == photoNone || len(w.photo.Data) == 0 {
		mode := "a captured or uploaded photo"
		if w.role == model.RoleAdministrator {
			mode = "a usable photo"
		}
		w.mu.Unlock()
		return w.finish(errs.NewValidation("photo", "need "+mode+" before continuing"))
	}
	code := w.invite.Code
	upload := client.PhotoUpload{Filename: "photo.jpg", ContentType: w.photo.ContentType, Data: w.photo.Data}
	w.mu.Unlock()

	inv, err := w.api.UploadPhotoAndCapture(ctx, code, upload)
	if err != nil {
		return w.finish(err)
	}
	w.mu.Lock()
	if inv.ID != "" {
		w.invite.ID = inv.ID
	}
	if inv.Image != "" {
		w.invite.Image = inv.Image
	}
	w.step = StepDone
	w.mu.Unlock()
	if w.notifier != nil {
		if err := w.notifier.NotifyInviteUpdated(w.Invite().ID); err != nil {
			w.log.Debug("invite update notify", zap.Error(err))
		}
	}
	w.log.Info("registration completed", zap.String("invite", w.Invite().ID))
	return w.finish(nil)
}

// PrintPass checks the visitor in (once) and renders the downloadable pass.
// Administrator only; the step stays Done for repeated printing.
func (w *Workflow) PrintPass(ctx context.Context) (string, error) {
	if w.role != model.RoleAdministrator {
		return "", fmt.Errorf("pass printing not available in %s mode", w.role)
	}
	if err := w.begin(StepDone); err != nil {
		return "", err
	}
	if err := w.ensureCheckedIn(ctx); err != nil {
		return "", w.finish(err)
	}
	if w.passes == nil {
		return "", w.finish(fmt.Errorf("no pass renderer configured"))
	}
	w.mu.Lock()
	inv := w.invite
	photo := w.photo.Data
	w.mu.Unlock()
	path, err := w.passes.Render(inv, photo)
	if err != nil {
		return "", w.finish(err)
	}
	w.mu.Lock()
	w.passPath = path
	w.mu.Unlock()
	return path, w.finish(nil)
}

// CloseFlow ends the workflow from the Done step. Administrators check the
// visitor in first (once, if Print did not already); public visitors just
// reset. The camera is released before any state is cleared.
func (w *Workflow) CloseFlow(ctx context.Context) error {
	if err := w.begin(StepDone); err != nil {
		return err
	}
	if w.role == model.RoleAdministrator {
		if err := w.ensureCheckedIn(ctx); err != nil {
			return w.finish(err)
		}
	}
	_ = w.finish(nil)
	w.Reset()
	return nil
}

// ensureCheckedIn issues the backend check-in exactly once. The in-memory
// flag guards the terminal Print-then-Close sequence.
func (w *Workflow) ensureCheckedIn(ctx context.Context) error {
	w.mu.Lock()
	done := w.checkedIn
	id := w.invite.ID
	w.mu.Unlock()
	if done {
		return nil
	}
	if err := w.api.CheckIn(ctx, id); err != nil {
		return err
	}
	w.mu.Lock()
	w.checkedIn = true
	w.invite.Status = model.InviteCheckedIn
	w.mu.Unlock()
	w.log.Info("visitor checked in", zap.String("invite", id))
	return nil
}

// Reset clears all working state and returns to CodeEntry. Any in-flight
// camera stream is released first.
func (w *Workflow) Reset() {
	if w.cam != nil {
		w.cam.Stop()
	}
	w.mu.Lock()
	photo := w.photo
	w.invite = model.Invite{}
	w.existing = ""
	w.draft = draft{}
	w.photo = model.CapturedPhoto{}
	w.source = photoNone
	w.checkedIn = false
	w.passPath = ""
	w.stepErr = nil
	w.busy = false
	w.step = StepCodeEntry
	w.mu.Unlock()
	photo.Release(w.removePreview)
}
