package hw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/CZERTAINLY/rover/internal/model"
)

const (
	sequenceOn  = 100 * time.Millisecond
	sequenceOff = 200 * time.Millisecond
)

var ErrNoPin = errors.New("gpio pin not found")

var hostInit = sync.OnceValues(host.Init)

// OpenPin looks up a GPIO output by its name or alias (GPIO17, P1_11, ...).
// An empty name returns a nil pin, which makes the peripheral log only.
func OpenPin(name string) (gpio.PinOut, error) {
	if name == "" {
		return nil, nil
	}
	if _, err := hostInit(); err != nil {
		return nil, fmt.Errorf("initializing gpio host drivers: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPin, name)
	}
	return p, nil
}

// Pin is a single GPIO output.
type Pin struct {
	name string
	out  gpio.PinOut // nil logs only
	mx   sync.Mutex
	high bool
}

func NewPin(name string, out gpio.PinOut) *Pin {
	return &Pin{name: name, out: out}
}

func (p *Pin) Set(ctx context.Context, high bool) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.high = high
	if p.out == nil {
		slog.DebugContext(ctx, "pin set", "pin", p.name, "high", high)
		return nil
	}
	if err := p.out.Out(gpio.Level(high)); err != nil {
		return fmt.Errorf("setting pin %s (%s): %w", p.name, p.out.Name(), err)
	}
	return nil
}

func (p *Pin) High() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.high
}

// Color is an RGB value of the LED strip.
type Color struct {
	R, G, B uint8
}

func (c Color) Off() bool {
	return c == Color{}
}

// LED keeps the last color and drives the pin high for any color but black.
type LED struct {
	pin   *Pin
	mx    sync.Mutex
	color Color
}

func NewLED(out gpio.PinOut) *LED {
	return &LED{pin: NewPin("led", out)}
}

func (l *LED) SetColor(ctx context.Context, c Color) error {
	l.mx.Lock()
	l.color = c
	l.mx.Unlock()
	return l.pin.Set(ctx, !c.Off())
}

func (l *LED) Color() Color {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.color
}

type Buzzer struct {
	pin *Pin
}

func NewBuzzer(out gpio.PinOut) *Buzzer {
	return &Buzzer{pin: NewPin("buzzer", out)}
}

func (b *Buzzer) Set(ctx context.Context, on bool) error {
	return b.pin.Set(ctx, on)
}

func (b *Buzzer) On() bool {
	return b.pin.High()
}

// Peripherals groups the LED and the buzzer.
type Peripherals struct {
	LED    *LED
	Buzzer *Buzzer
	blinks int
	on     time.Duration
	off    time.Duration
}

func NewPeripherals(led *LED, buzzer *Buzzer, blinks int) *Peripherals {
	return &Peripherals{
		LED:    led,
		Buzzer: buzzer,
		blinks: blinks,
		on:     sequenceOn,
		off:    sequenceOff,
	}
}

// WithTiming overrides on/off durations of the startup sequence.
// This method exists for a unit testing only.
func (p *Peripherals) WithTiming(on, off time.Duration) *Peripherals {
	p.on = on
	p.off = off
	return p
}

// SignalSequence flashes the LED white and beeps the buzzer together, blinks
// times. It is best effort: failures are logged and never returned.
func (p *Peripherals) SignalSequence(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		return p.pulse(ctx, func(on bool) error {
			c := Color{}
			if on {
				c = Color{R: 255, G: 255, B: 255}
			}
			return p.LED.SetColor(ctx, c)
		})
	})
	g.Go(func() error {
		return p.pulse(ctx, func(on bool) error {
			return p.Buzzer.Set(ctx, on)
		})
	})
	if err := g.Wait(); err != nil {
		slog.WarnContext(ctx, "startup sequence failed", "error", err)
	}
	return nil
}

func (p *Peripherals) pulse(ctx context.Context, set func(on bool) error) error {
	var errs []error
	for range p.blinks {
		errs = append(errs, set(true))
		time.Sleep(p.on)
		errs = append(errs, set(false))
		time.Sleep(p.off)
	}
	return errors.Join(errs...)
}

// Alarm beeps the buzzer n times. Used by the power poller.
func (p *Peripherals) Alarm(ctx context.Context, n int) error {
	var errs []error
	for range n {
		errs = append(errs, p.Buzzer.Set(ctx, true))
		time.Sleep(p.on)
		errs = append(errs, p.Buzzer.Set(ctx, false))
		time.Sleep(p.on)
	}
	return errors.Join(errs...)
}

// HandleLine applies a control line received from the client:
//
//	CMD_BUZZER#1       buzzer on (0 off)
//	CMD_LED#r#g#b      LED color
//
// Other lines return model.ErrUnknownLine.
func (p *Peripherals) HandleLine(ctx context.Context, line string) error {
	fields := strings.Split(strings.TrimSpace(line), "#")
	switch fields[0] {
	case "CMD_BUZZER":
		if len(fields) != 2 {
			return fmt.Errorf("%w: %q", model.ErrBadLine, line)
		}
		on, err := strconv.ParseBool(fields[1])
		if err != nil {
			return fmt.Errorf("%w: %q: %w", model.ErrBadLine, line, err)
		}
		return p.Buzzer.Set(ctx, on)
	case "CMD_LED":
		if len(fields) != 4 {
			return fmt.Errorf("%w: %q", model.ErrBadLine, line)
		}
		var rgb [3]uint8
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 8)
			if err != nil {
				return fmt.Errorf("%w: %q: %w", model.ErrBadLine, line, err)
			}
			rgb[i] = uint8(v)
		}
		return p.LED.SetColor(ctx, Color{R: rgb[0], G: rgb[1], B: rgb[2]})
	default:
		return fmt.Errorf("%w: %q", model.ErrUnknownLine, line)
	}
}
