package service

import (
	"context"
	"fmt"
	"io"

	"github.com/CZERTAINLY/rover/internal/hw"
	"github.com/CZERTAINLY/rover/internal/model"
	"github.com/CZERTAINLY/rover/internal/server"
)

// Run implements CLI run command. It wires the hardware and the TCP server
// into a supervisor, reads operator commands from in and returns the process
// exit status.
func Run(ctx context.Context, config model.Config, in io.Reader, out io.Writer) (int, error) {
	led, err := hw.OpenPin(config.Peripheral.LED)
	if err != nil {
		return 1, fmt.Errorf("opening led: %w", err)
	}
	buzzer, err := hw.OpenPin(config.Peripheral.Buzzer)
	if err != nil {
		return 1, fmt.Errorf("opening buzzer: %w", err)
	}
	periph := hw.NewPeripherals(hw.NewLED(led), hw.NewBuzzer(buzzer), config.Peripheral.Blinks)
	camera, err := hw.Default.Open(config.Camera.Width, config.Camera.Height, config.Camera.Interval)
	if err != nil {
		return 1, fmt.Errorf("opening camera: %w", err)
	}
	battery := hw.NewBattery(config.Power.Source, config.Power.Volts)

	srv := server.New(server.Config{
		Control:       config.Server.Control,
		Video:         config.Server.Video,
		LowVolts:      config.Power.Low,
		PowerInterval: config.Power.Interval,
	}, periph.HandleLine, camera, battery, periph)

	supervisor := NewSupervisor(srv.Units(), srv, periph).
		WithStopTimeout(config.Service.StopTimeout)
	coordinator := NewCoordinator(supervisor, hw.Default, out).
		WithExitTimeout(config.Service.ExitTimeout).
		WithHeartbeat(config.Service.Heartbeat)

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	return coordinator.Run(ctx, ReadCommands(cmdCtx, in)), nil
}
