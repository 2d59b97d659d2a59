package camera

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/and161185/visitgate/internal/errs"
)

type fakeStream struct {
	mu     sync.Mutex
	img    image.Image
	ready  chan struct{}
	closed bool

	frameErr error
}

func newFakeStream(signalReady bool) *fakeStream {
	s := &fakeStream{
		img:   testImage(),
		ready: make(chan struct{}),
	}
	if signalReady {
		close(s.ready)
	}
	return s
}

func (s *fakeStream) Frame(context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frameErr != nil {
		return nil, s.frameErr
	}
	return s.img, nil
}
func (s *fakeStream) Ready() <-chan struct{} { return s.ready }
func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDevice struct {
	mu      sync.Mutex
	streams map[Facing]*fakeStream
	openErr error
	opens   []Facing
}

func (d *fakeDevice) Open(_ context.Context, facing Facing) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens = append(d.opens, facing)
	if d.openErr != nil {
		return nil, d.openErr
	}
	s, ok := d.streams[facing]
	if !ok {
		s = newFakeStream(true)
		if d.streams == nil {
			d.streams = map[Facing]*fakeStream{}
		}
		d.streams[facing] = s
	}
	return s, nil
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), A: 255})
		}
	}
	return img
}

func newController(t *testing.T, dev Device, warmup time.Duration) *Controller {
	t.Helper()
	return New(dev, Options{WarmupGrace: warmup, PreviewDir: t.TempDir()})
}

func TestController_StartToActive(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{streams: map[Facing]*fakeStream{FacingFront: newFakeStream(true)}}
	c := newController(t, dev, time.Second)

	if c.State() != StateIdle {
		t.Fatalf("initial state:%s", c.State())
	}
	if err := c.Start(context.Background(), FacingFront); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("state after start: %s", c.State())
	}
	c.Stop()
	if c.State() != StateIdle {
		t.Fatalf("state after stop: %s", c.State())
	}
}

func TestController_WarmupGraceForcesActive(t *testing.T) {
	t.Parallel()
	// ready channel never closes
	dev := &fakeDevice{streams: map[Facing]*fakeStream{FacingFront: newFakeStream(false)}}
	c := newController(t, dev, 50*time.Millisecond)

	start := time.Now()
	if err := c.Start(context.Background(), FacingFront); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("activated before grace elapsed: %v", elapsed)
	}
	if c.State() != StateActive {
		t.Fatalf("state: %s, want active", c.State())
	}
	c.Stop()
}

func TestController_OpenFailureGoesToError(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{openErr: errors.New("permission denied")}
	c := newController(t, dev, time.Second)

	err := c.Start(context.Background(), FacingFront)
	var de *errs.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("want DeviceError, got %v", err)
	}
	if c.State() != StateError || c.ErrMessage() == "" {
		t.Fatalf("state=%s msg=%q", c.State(), c.ErrMessage())
	}

	// retry affordance: Start is valid from Error
	dev.mu.Lock()
	dev.openErr = nil
	dev.mu.Unlock()
	if err := c.Start(context.Background(), FacingFront); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("retry state: %s", c.State())
	}
	c.Stop()
}

func TestController_SwitchFacing(t *testing.T) {
	t.Parallel()
	front := newFakeStream(true)
	back := newFakeStream(true)
	dev := &fakeDevice{streams: map[Facing]*fakeStream{FacingFront: front, FacingBack: back}}
	c := newController(t, dev, time.Second)

	if err := c.SwitchFacing(context.Background()); err == nil {
		t.Fatalf("switch from idle must fail")
	}

	if err := c.Start(context.Background(), FacingFront); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.SwitchFacing(context.Background()); err != nil {
		t.Fatalf("SwitchFacing: %v", err)
	}
	if !front.isClosed() {
		t.Fatalf("switching must release the previous stream")
	}
	dev.mu.Lock()
	opens := append([]Facing(nil), dev.opens...)
	dev.mu.Unlock()
	if len(opens) != 2 || opens[1] != FacingBack {
		t.Fatalf("opens=%v, want front then back", opens)
	}
	c.Stop()
}

func TestController_CaptureConsumesSession(t *testing.T) {
	t.Parallel()
	stream := newFakeStream(true)
	dev := &fakeDevice{streams: map[Facing]*fakeStream{FacingFront: stream}}
	c := newController(t, dev, time.Second)

	if _, err := c.Capture(context.Background()); err == nil {
		t.Fatalf("capture from idle must fail")
	}

	if err := c.Start(context.Background(), FacingFront); err != nil {
		t.Fatalf("Start: %v", err)
	}
	photo, err := c.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(photo.Data) == 0 || photo.ContentType != "image/jpeg" {
		t.Fatalf("bad payload: %d bytes, %s", len(photo.Data), photo.ContentType)
	}
	if _, err := os.Stat(photo.PreviewPath); err != nil {
		t.Fatalf("preview file missing: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("capture must stop the stream, state=%s", c.State())
	}
	if !stream.isClosed() {
		t.Fatalf("stream must be released after capture")
	}

	photo.Release(os.Remove)
	if _, err := os.Stat(photo.PreviewPath); !os.IsNotExist(err) && photo.PreviewPath != "" {
		t.Fatalf("release must remove preview")
	}
}

func TestController_StopDuringAcquisition_NoLateMutation(t *testing.T) {
	t.Parallel()
	// ready never fires and the grace is long, so Start blocks until Stop
	dev := &fakeDevice{streams: map[Facing]*fakeStream{FacingFront: newFakeStream(false)}}
	c := newController(t, dev, time.Minute)

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background(), FacingFront) }()

	waitState(t, c, StateAcquiring)
	c.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, errs.ErrTornDown) {
			t.Fatalf("want ErrTornDown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Start did not return after Stop")
	}
	if c.State() != StateIdle {
		t.Fatalf("late acquisition must not mutate state after teardown, state=%s", c.State())
	}
	if !dev.streams[FacingFront].isClosed() {
		t.Fatalf("stream opened during torn-down acquisition must be released")
	}
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s (now %s)", want, c.State())
}
