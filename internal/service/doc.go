package service

// Package service implements supervision of the rover work units and the
// process lifecycle around them.
//
// Overview
// A Supervisor owns a fixed list of model.WorkUnit values. Start runs the
// peripheral startup sequence, tells the server to begin accepting and then
// launches one Worker goroutine per unit. Each Worker invokes its unit until
// the run cycle is canceled or the unit fails. A failed unit stays down until
// the operator restarts the whole supervisor.
//
// The Coordinator is the only caller of Start and Stop. It reads Commands
// from a channel fed by ReadCommands and shutdown signals from os/signal in a
// single select loop:
//
//   stdin -> ReadCommands --+
//                           |
//   SIGINT/SIGTERM ---------+--> Coordinator.Run --> Supervisor.Start/Stop
//                           |           |                  |
//   heartbeat ticker -------+           |                  +--> Worker{unit} x N
//                                       v
//                                 Releaser.ReleaseAll
//
//   SIGALRM -----------------> Coordinator.ForceQuit --> ReleaseAll, exit(1)
//
// Invariants:
//   - A fresh cancellation context (and cycle id) per Start.
//   - Cancellation is observed only between invocations; a unit is never
//     interrupted mid-call.
//   - Stop waits up to the stop timeout for each worker in turn and abandons
//     the rest.
//   - ReleaseAll runs at most once, after Stop, on every exit path.
//   - Run returns 1 when worker goroutines are still alive after the exit
//     timeout, 0 otherwise.
//
// internal/service/coordinator_test.go shows how the pieces fit together.
