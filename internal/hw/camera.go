package hw

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"
)

var ErrCameraClosed = errors.New("camera closed")

// Default is the process-wide camera registry.
var Default = NewRegistry()

// ReleaseAll releases every camera opened through Default.
func ReleaseAll() error {
	return Default.ReleaseAll()
}

// Registry tracks open cameras so they can be released at once on exit.
type Registry struct {
	mx      sync.Mutex
	cameras map[*Camera]struct{}
}

func NewRegistry() *Registry {
	return &Registry{cameras: make(map[*Camera]struct{})}
}

// Open starts a camera producing width x height frames, at most one per interval.
func (r *Registry) Open(width, height int, interval time.Duration) (*Camera, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid camera size %dx%d", width, height)
	}
	c := &Camera{
		registry: r,
		width:    width,
		height:   height,
		interval: interval,
		closed:   make(chan struct{}),
	}
	r.mx.Lock()
	r.cameras[c] = struct{}{}
	r.mx.Unlock()
	return c, nil
}

// ReleaseAll closes every open camera. Calling it again, or before any camera
// was opened, is a no-op.
func (r *Registry) ReleaseAll() error {
	r.mx.Lock()
	cameras := make([]*Camera, 0, len(r.cameras))
	for c := range r.cameras {
		cameras = append(cameras, c)
	}
	r.mx.Unlock()

	var errs []error
	for _, c := range cameras {
		errs = append(errs, c.Close())
	}
	if len(cameras) > 0 {
		slog.Debug("cameras released", "count", len(cameras))
	}
	return errors.Join(errs...)
}

// Len returns the number of open cameras.
func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.cameras)
}

func (r *Registry) forget(c *Camera) {
	r.mx.Lock()
	delete(r.cameras, c)
	r.mx.Unlock()
}

// Camera renders a moving test pattern encoded as JPEG.
type Camera struct {
	registry *Registry
	width    int
	height   int
	interval time.Duration
	closed   chan struct{}

	mx    sync.Mutex
	frame uint64
	next  time.Time // earliest time of the next frame
}

// Capture returns the next frame, waiting for the frame interval if needed.
// The wait ends early when ctx is done or the camera is closed.
func (c *Camera) Capture(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrCameraClosed
	}

	c.mx.Lock()
	now := time.Now()
	at := c.next
	if at.Before(now) {
		at = now
	}
	c.next = at.Add(c.interval)
	c.frame++
	n := c.frame
	c.mx.Unlock()

	if wait := time.Until(at); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, ErrCameraClosed
		case <-timer.C:
		}
	}
	if c.isClosed() {
		return nil, ErrCameraClosed
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, c.pattern(n), &jpeg.Options{Quality: 70}); err != nil {
		return nil, fmt.Errorf("encoding frame %d: %w", n, err)
	}
	return buf.Bytes(), nil
}

func (c *Camera) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Camera) pattern(n uint64) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	bar := int(n % uint64(c.width))
	for y := range c.height {
		for x := range c.width {
			px := color.RGBA{R: uint8(x * 255 / c.width), G: uint8(y * 255 / c.height), B: 96, A: 255}
			if x >= bar && x < bar+8 {
				px = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, px)
		}
	}
	return img
}

// Close releases the camera and wakes up pending captures. It is idempotent.
func (c *Camera) Close() error {
	c.mx.Lock()
	if c.isClosed() {
		c.mx.Unlock()
		return nil
	}
	close(c.closed)
	c.mx.Unlock()
	c.registry.forget(c)
	return nil
}
