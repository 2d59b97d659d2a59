package camera

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // frame decoding
	_ "image/png"
	"os"
)

// FileDevice serves frames from still images on disk, one file per facing
// mode. It stands in for a hardware camera in CLI and kiosk-less setups.
type FileDevice struct {
	FrontPath string
	BackPath  string
}

// Open implements Device.
func (d *FileDevice) Open(_ context.Context, facing Facing) (Stream, error) {
	path := d.FrontPath
	if facing == FacingBack {
		path = d.BackPath
	}
	if path == "" {
		return nil, fmt.Errorf("no source configured for %s camera", facing)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	ready := make(chan struct{})
	close(ready)
	return &fileStream{img: img, ready: ready}, nil
}

type fileStream struct {
	img    image.Image
	ready  chan struct{}
	closed bool
}

func (s *fileStream) Frame(context.Context) (image.Image, error) {
	if s.closed {
		return nil, fmt.Errorf("stream closed")
	}
	return s.img, nil
}

func (s *fileStream) Ready() <-chan struct{} { return s.ready }

func (s *fileStream) Close() error {
	s.closed = true
	return nil
}
