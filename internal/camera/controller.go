// Package camera manages acquisition and release of a capture device and
// turns live frames into photo payloads. The controller owns the device
// lifecycle; workflow steps only consume its output.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/visitgate/internal/errs"
	"github.com/and161185/visitgate/internal/model"
)

// Facing selects which camera to acquire.
type Facing int

const (
	FacingFront Facing = iota
	FacingBack
)

// Opposite returns the other facing mode.
func (f Facing) Opposite() Facing {
	if f == FacingFront {
		return FacingBack
	}
	return FacingFront
}

// String implements fmt.Stringer.
func (f Facing) String() string {
	if f == FacingFront {
		return "front"
	}
	return "back"
}

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateActive
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateActive:
		return "active"
	default:
		return "error"
	}
}

// Stream is a live video session. Ready is closed once frames are warm;
// some devices never signal it, which the controller covers with a grace timer.
type Stream interface {
	Frame(ctx context.Context) (image.Image, error)
	Ready() <-chan struct{}
	Close() error
}

// Device opens streams for a facing mode.
type Device interface {
	Open(ctx context.Context, facing Facing) (Stream, error)
}

// Options configures a Controller.
type Options struct {
	WarmupGrace time.Duration // force Active when Ready never fires
	PreviewDir  string
	JPEGQuality int
	Logger      *zap.Logger
}

// Controller drives one capture session at a time. One capture consumes the
// session: the stream is released right after the frame is taken.
type Controller struct {
	dev     Device
	log     *zap.Logger
	warmup  time.Duration
	dir     string
	quality int

	mu      sync.Mutex
	state   State
	facing  Facing
	stream  Stream
	errMsg  string
	cancel  context.CancelFunc
	gen     int // bumped on every Stop/teardown; stale goroutines compare and drop out
}

// New constructs a Controller over the given device.
func New(dev Device, opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	warmup := opts.WarmupGrace
	if warmup <= 0 {
		warmup = 2 * time.Second
	}
	dir := opts.PreviewDir
	if dir == "" {
		dir = os.TempDir()
	}
	quality := opts.JPEGQuality
	if quality <= 0 {
		quality = 80
	}
	return &Controller{dev: dev, log: log, warmup: warmup, dir: dir, quality: quality}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ErrMessage returns the user-facing message of the Error state.
func (c *Controller) ErrMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// Start acquires a stream for the facing mode: Idle -> Acquiring -> Active.
// Valid from Idle and from Error (retry). Blocks until the stream is warm,
// the warmup grace forces activation, or the session is torn down.
func (c *Controller) Start(ctx context.Context, facing Facing) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateError {
		c.mu.Unlock()
		return fmt.Errorf("start from %s state", c.state)
	}
	c.state = StateAcquiring
	c.errMsg = ""
	c.facing = facing
	gen := c.gen
	sctx, cancel := context.WithCancel(ctx)
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()

	return c.acquire(sctx, gen, facing)
}

// SwitchFacing re-acquires the stream with the opposite facing mode.
// Only valid while Active.
func (c *Controller) SwitchFacing(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return fmt.Errorf("switch facing from %s state", c.state)
	}
	next := c.facing.Opposite()
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
	c.state = StateAcquiring
	c.facing = next
	gen := c.gen
	sctx, cancel := context.WithCancel(ctx)
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()

	return c.acquire(sctx, gen, next)
}

// acquire opens the device and waits for warmup. Every state mutation after
// a suspension point re-checks the generation so nothing lands post-teardown.
func (c *Controller) acquire(ctx context.Context, gen int, facing Facing) error {
	stream, err := c.dev.Open(ctx, facing)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return errs.ErrTornDown
	}
	if err != nil {
		c.state = StateError
		c.errMsg = "camera unavailable or permission denied"
		c.mu.Unlock()
		c.log.Warn("camera open", zap.String("facing", facing.String()), zap.Error(err))
		return &errs.DeviceError{Message: c.errMsg, Err: err}
	}
	c.stream = stream
	c.mu.Unlock()

	timer := time.NewTimer(c.warmup)
	defer timer.Stop()
	select {
	case <-stream.Ready():
	case <-timer.C:
		// ready signal never fired: force Active so the user is not stuck
		c.log.Debug("warmup grace elapsed, forcing active", zap.String("facing", facing.String()))
	case <-ctx.Done():
		c.mu.Lock()
		if c.gen == gen && c.stream == stream {
			c.stream = nil
		}
		c.mu.Unlock()
		_ = stream.Close()
		return errs.ErrTornDown
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return errs.ErrTornDown
	}
	c.state = StateActive
	return nil
}

// Capture renders the current frame to a JPEG payload plus a local preview
// file, then stops the stream: one capture consumes the session.
func (c *Controller) Capture(ctx context.Context) (model.CapturedPhoto, error) {
	c.mu.Lock()
	if c.state != StateActive || c.stream == nil {
		c.mu.Unlock()
		return model.CapturedPhoto{}, fmt.Errorf("capture from %s state", c.state)
	}
	stream := c.stream
	gen := c.gen
	c.mu.Unlock()

	frame, err := stream.Frame(ctx)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return model.CapturedPhoto{}, errs.ErrTornDown
	}
	if err != nil {
		c.state = StateError
		c.errMsg = "frame capture failed"
		c.mu.Unlock()
		return model.CapturedPhoto{}, &errs.DeviceError{Message: "frame capture failed", Err: err}
	}
	c.mu.Unlock()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: c.quality}); err != nil {
		return model.CapturedPhoto{}, &errs.DeviceError{Message: "encode frame", Err: err}
	}
	preview, err := c.writePreview(buf.Bytes())
	if err != nil {
		return model.CapturedPhoto{}, err
	}

	c.Stop()
	return model.CapturedPhoto{
		Data:        buf.Bytes(),
		ContentType: "image/jpeg",
		PreviewPath: preview,
	}, nil
}

// Stop releases all device resources and returns to Idle. Valid from any
// state and mandatory on teardown; outstanding acquisitions are canceled
// before the hardware is released.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.gen++
	cancel := c.cancel
	stream := c.stream
	c.cancel = nil
	c.stream = nil
	c.state = StateIdle
	c.errMsg = ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
}

func (c *Controller) writePreview(data []byte) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	path := filepath.Join(c.dir, "capture-"+id.String()+".jpg")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write preview: %w", err)
	}
	return path, nil
}
