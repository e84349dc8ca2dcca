// Package inference defines the contract between the orchestration layer and
// the external image classification backend.
package inference

import (
	"context"
	"errors"
)

// Label is the closed classification vocabulary. The string values are the
// ones the classification backend emits on the wire and the store persists.
type Label string

const (
	LabelReal        Label = "REAL"
	LabelAIGenerated Label = "AI-GENERATED"
)

// Valid reports whether l is one of the recognized labels.
func (l Label) Valid() bool {
	return l == LabelReal || l == LabelAIGenerated
}

// Sentinel errors for classification calls.
var (
	// ErrRemoteUnavailable: the backend could not be reached or the call
	// timed out.
	ErrRemoteUnavailable = errors.New("inference backend unavailable")
	// ErrRemoteProtocol: the reply could not be parsed or omitted required
	// fields.
	ErrRemoteProtocol = errors.New("inference backend protocol error")
	// ErrRemoteRejected: the backend answered with a non-success status.
	ErrRemoteRejected = errors.New("inference backend rejected request")
)

// Result is the transient outcome of one classification call. Only Label and
// Confidence outlive the request; Explanation is pass-through for the caller.
type Result struct {
	Label       Label
	Confidence  float64
	Explanation string
}

// Client classifies raw image bytes. Implementations must be stateless and
// safe for concurrent use; a single attempt is made per call.
type Client interface {
	Classify(ctx context.Context, imageBytes []byte, filename, mimeType string) (*Result, error)
}
