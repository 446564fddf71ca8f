// Package timeouts defines timeout constants shared by storyloom commands and
// stores.
package timeouts

import "time"

// StoreLock caps the wait for the file lock of an embedded database.
const StoreLock = time.Second

// ExternalCall is the default budget for the external calls of one tick.
const ExternalCall = 5 * time.Second

// Shutdown limits how long a command waits to flush telemetry on exit.
const Shutdown = 5 * time.Second
