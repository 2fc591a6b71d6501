// Package server is the TCP side of the rover: a control connection carrying
// newline delimited commands and power reports, and a video connection
// carrying length prefixed JPEG frames.
//
// The server accepts one client per connection type at a time. Each of its
// work units performs a single blocking step (read one line, send one frame,
// poll the battery once) and is meant to be driven repeatedly by a
// supervisor. After StopAccepting every unit returns model.ErrNotAccepting.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/CZERTAINLY/rover/internal/model"
)

const (
	UnitReadData  = "ReadData"
	UnitSendVideo = "SendVideo"
	UnitPower     = "Power"

	alarmBeeps = 3
)

type LineHandler func(ctx context.Context, line string) error

type FrameSource interface {
	Capture(ctx context.Context) ([]byte, error)
}

type VoltageSource interface {
	Volts() (float64, error)
}

type Alarm interface {
	Alarm(ctx context.Context, n int) error
}

type Config struct {
	Control       string
	Video         string
	LowVolts      float64
	PowerInterval time.Duration
}

type Server struct {
	cfg     Config
	handle  LineHandler
	frames  FrameSource
	battery VoltageSource
	alarm   Alarm

	mx          sync.Mutex
	control     net.Listener
	video       net.Listener
	controlConn net.Conn
	controlRd   *bufio.Reader
	videoConn   net.Conn
	stopped     chan struct{}
	writeMx     sync.Mutex
}

func New(cfg Config, handle LineHandler, frames FrameSource, battery VoltageSource, alarm Alarm) *Server {
	return &Server{
		cfg:     cfg,
		handle:  handle,
		frames:  frames,
		battery: battery,
		alarm:   alarm,
	}
}

// Units returns the work units in the order they should be started.
func (s *Server) Units() []model.WorkUnit {
	return []model.WorkUnit{
		model.NewUnitFunc(UnitReadData, s.ReadOnce),
		model.NewUnitFunc(UnitSendVideo, s.StreamOnce),
		model.NewUnitFunc(UnitPower, s.PowerOnce),
	}
}

// BeginAccepting opens both listeners. It is a no-op when already accepting.
func (s *Server) BeginAccepting(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.control != nil {
		return nil
	}

	var lc net.ListenConfig
	control, err := lc.Listen(ctx, "tcp", s.cfg.Control)
	if err != nil {
		return fmt.Errorf("listening on control %s: %w", s.cfg.Control, err)
	}
	video, err := lc.Listen(ctx, "tcp", s.cfg.Video)
	if err != nil {
		_ = control.Close()
		return fmt.Errorf("listening on video %s: %w", s.cfg.Video, err)
	}

	s.control = control
	s.video = video
	s.stopped = make(chan struct{})
	slog.InfoContext(ctx, "accepting connections",
		"control", control.Addr().String(),
		"video", video.Addr().String(),
	)
	return nil
}

// StopAccepting closes listeners and client connections. Units blocked on
// them return model.ErrNotAccepting. It is a no-op when not accepting.
func (s *Server) StopAccepting(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.control == nil {
		return nil
	}

	var errs []error
	for _, c := range []interface{ Close() error }{s.control, s.video, s.controlConn, s.videoConn} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	close(s.stopped)
	s.stopped = nil
	s.control, s.video = nil, nil
	s.controlConn, s.controlRd, s.videoConn = nil, nil, nil
	slog.InfoContext(ctx, "stopped accepting connections")
	return errors.Join(errs...)
}

// ControlAddr returns the bound control address or nil.
func (s *Server) ControlAddr() net.Addr {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.control == nil {
		return nil
	}
	return s.control.Addr()
}

// VideoAddr returns the bound video address or nil.
func (s *Server) VideoAddr() net.Addr {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.video == nil {
		return nil
	}
	return s.video.Addr()
}

func (s *Server) accepting() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.control != nil
}

// ReadOnce reads one line from the control client, accepting a client first
// when none is connected.
func (s *Server) ReadOnce(ctx context.Context) error {
	conn, rd, err := s.controlClient(ctx)
	if err != nil {
		return err
	}

	line, err := rd.ReadString('\n')
	if err != nil {
		s.drop(&s.controlConn, conn)
		if !s.accepting() {
			return model.ErrNotAccepting
		}
		slog.InfoContext(ctx, "control client disconnected", "remote", conn.RemoteAddr().String(), "error", err)
		return nil
	}

	if err := s.handle(ctx, line); err != nil {
		slog.WarnContext(ctx, "control line rejected", "error", err)
	}
	return nil
}

// StreamOnce captures one frame and sends it to the video client.
func (s *Server) StreamOnce(ctx context.Context) error {
	conn, err := s.videoClient(ctx)
	if err != nil {
		return err
	}

	frame, err := s.frames.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capturing frame: %w", err)
	}

	if err := writeFrame(conn, frame); err != nil {
		s.drop(&s.videoConn, conn)
		if !s.accepting() {
			return model.ErrNotAccepting
		}
		slog.InfoContext(ctx, "video client disconnected", "remote", conn.RemoteAddr().String(), "error", err)
	}
	return nil
}

// PowerOnce reads the battery, reports it to the control client, sounds the
// alarm when the voltage is low and then waits for the poll interval. The
// wait is cut short by StopAccepting.
func (s *Server) PowerOnce(ctx context.Context) error {
	s.mx.Lock()
	conn := s.controlConn
	stopped := s.stopped
	s.mx.Unlock()
	if stopped == nil {
		return model.ErrNotAccepting
	}

	volts, err := s.battery.Volts()
	if err != nil {
		return err
	}

	if conn != nil {
		s.writeMx.Lock()
		_, err := fmt.Fprintf(conn, "CMD_POWER#%.2f\n", volts)
		s.writeMx.Unlock()
		if err != nil {
			slog.DebugContext(ctx, "power report not delivered", "error", err)
		}
	}

	if volts < s.cfg.LowVolts {
		slog.WarnContext(ctx, "battery low", "volts", volts, "low", s.cfg.LowVolts)
		if err := s.alarm.Alarm(ctx, alarmBeeps); err != nil {
			slog.WarnContext(ctx, "battery alarm failed", "error", err)
		}
	}

	timer := time.NewTimer(s.cfg.PowerInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-stopped:
		return model.ErrNotAccepting
	}
}

func (s *Server) controlClient(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	s.mx.Lock()
	if s.controlConn != nil {
		conn, rd := s.controlConn, s.controlRd
		s.mx.Unlock()
		return conn, rd, nil
	}
	ln := s.control
	s.mx.Unlock()

	conn, err := s.accept(ctx, ln, "control")
	if err != nil {
		return nil, nil, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.control != ln {
		_ = conn.Close()
		return nil, nil, model.ErrNotAccepting
	}
	s.controlConn = conn
	s.controlRd = bufio.NewReader(conn)
	return conn, s.controlRd, nil
}

func (s *Server) videoClient(ctx context.Context) (net.Conn, error) {
	s.mx.Lock()
	if s.videoConn != nil {
		conn := s.videoConn
		s.mx.Unlock()
		return conn, nil
	}
	ln := s.video
	s.mx.Unlock()

	conn, err := s.accept(ctx, ln, "video")
	if err != nil {
		return nil, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.video != ln {
		_ = conn.Close()
		return nil, model.ErrNotAccepting
	}
	s.videoConn = conn
	return conn, nil
}

func (s *Server) accept(ctx context.Context, ln net.Listener, kind string) (net.Conn, error) {
	if ln == nil {
		return nil, model.ErrNotAccepting
	}
	conn, err := ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, model.ErrNotAccepting
		}
		return nil, fmt.Errorf("accepting %s client: %w", kind, err)
	}
	slog.InfoContext(ctx, "client connected", "kind", kind, "remote", conn.RemoteAddr().String())
	return conn, nil
}

// drop closes conn and forgets it when it is still the current one.
func (s *Server) drop(slot *net.Conn, conn net.Conn) {
	_ = conn.Close()
	s.mx.Lock()
	defer s.mx.Unlock()
	if *slot == conn {
		*slot = nil
		if slot == &s.controlConn {
			s.controlRd = nil
		}
	}
}
