// Package store defines the persistence gateway for durable call records.
//
// Writes are at-most-once per lifecycle transition and are issued only from
// a session's event loop; readers outside the loop (the control plane, the
// dashboard) see a consistent snapshot. Implementations provide their own
// concurrency control.
package store

import (
	"context"

	"github.com/callbridge-ai/callbridge/internal/call"
)

// Store is the durable gateway for call records.
type Store interface {
	// CreateCall persists a new call record. Fails if the call id exists.
	CreateCall(ctx context.Context, rec *call.Record) error

	// MarkInProgress transitions the call to in-progress.
	MarkInProgress(ctx context.Context, callID string) error

	// MarkOnHold transitions the call to on-hold. Issued before the carrier
	// redirect so any event arriving afterwards observes the new status.
	MarkOnHold(ctx context.Context, callID string) error

	// GetCall returns the record for callID, or nil if none exists.
	GetCall(ctx context.Context, callID string) (*call.Record, error)

	// UpdateConversationHistory replaces the stored conversation history.
	UpdateConversationHistory(ctx context.Context, callID string, history []call.Message) error

	// Finalize writes the terminal snapshot for the call.
	Finalize(ctx context.Context, callID string, fin call.Finalization) error

	// ListByStatus returns all records with the given status, newest first.
	ListByStatus(ctx context.Context, status call.Status) ([]*call.Record, error)
}
