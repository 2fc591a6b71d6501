// Package hw drives the peripherals of the rover: the indicator LED, the
// buzzer, the camera and the battery sensor.
//
// Pins are periph.io GPIO outputs looked up by name (for example GPIO17).
// A peripheral without a pin only logs, which is what runs on a development
// machine.
//
// Cameras register themselves in a process-wide registry. ReleaseAll closes
// every registered camera; it is idempotent and safe to call before any
// camera was opened.
package hw
