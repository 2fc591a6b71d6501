package service_test

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/CZERTAINLY/rover/internal/service"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  service.Op
	}{
		{"stop", service.OpStop},
		{"STOP", service.OpStop},
		{"  Restart\t", service.OpRestart},
		{"quit\r", service.OpQuit},
		{"", service.OpInvalid},
		{"stopp", service.OpInvalid},
		{"start", service.OpInvalid},
	}

	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			t.Parallel()
			cmd := service.ParseCommand(tc.given)
			require.Equal(t, tc.then, cmd.Op)
			require.Equal(t, strings.TrimSpace(tc.given), cmd.Raw)
		})
	}
}

func collect(t *testing.T, ch <-chan service.Command) []service.Command {
	t.Helper()
	var ret []service.Command
	timeout := time.After(time.Second)
	for {
		select {
		case cmd, ok := <-ch:
			if !ok {
				return ret
			}
			ret = append(ret, cmd)
		case <-timeout:
			t.Fatal("command channel not closed")
		}
	}
}

func TestReadCommands(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 70*1024)

	var testCases = []struct {
		scenario string
		given    io.Reader
		then     []service.Command
	}{
		{
			scenario: "eof is quit",
			given:    strings.NewReader("stop\n RESTART \ndance\n"),
			then: []service.Command{
				{Op: service.OpStop, Raw: "stop"},
				{Op: service.OpRestart, Raw: "RESTART"},
				{Op: service.OpInvalid, Raw: "dance"},
				{Op: service.OpQuit},
			},
		},
		{
			scenario: "read error is quit",
			given:    io.MultiReader(strings.NewReader("stop\n"), iotest.ErrReader(errors.New("tty gone"))),
			then: []service.Command{
				{Op: service.OpStop, Raw: "stop"},
				{Op: service.OpQuit},
			},
		},
		{
			scenario: "long line is invalid",
			given:    strings.NewReader(long + "\nstop\n"),
			then: []service.Command{
				{Op: service.OpInvalid, Raw: long},
				{Op: service.OpStop, Raw: "stop"},
				{Op: service.OpQuit},
			},
		},
		{
			scenario: "last line without newline",
			given:    strings.NewReader("restart\nstop"),
			then: []service.Command{
				{Op: service.OpRestart, Raw: "restart"},
				{Op: service.OpStop, Raw: "stop"},
				{Op: service.OpQuit},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			got := collect(t, service.ReadCommands(t.Context(), tc.given))
			require.Equal(t, tc.then, got)
		})
	}
}

func TestOp_String(t *testing.T) {
	t.Parallel()
	require.Equal(t, "stop", service.OpStop.String())
	require.Equal(t, "restart", service.OpRestart.String())
	require.Equal(t, "quit", service.OpQuit.String())
	require.Equal(t, "invalid", service.OpInvalid.String())
}
