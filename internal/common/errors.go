// Package common defines shared constants and sentinel errors used across
// the sync engine. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Store-level errors.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotFound           = errors.New("not found")

	// Network failure classes. ErrConnectivity marks transport-level failures
	// that are safe to retry later; ErrApplication marks structured rejections
	// from the server (validation, conflict, auth) that must not be retried.
	ErrConnectivity = errors.New("connectivity failure")
	ErrApplication  = errors.New("application failure")

	// Session errors.
	ErrNotAuthenticated = errors.New("not authenticated")

	// Coordinator errors.
	ErrBackpressure = errors.New("request queue full")

	// Sync errors. A mutation that targets a record with no server identity
	// and no local mapping to one can never be replayed.
	ErrNotSyncable = errors.New("record has no server identity")
)
