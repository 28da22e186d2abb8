package client

import (
	"errors"
	"fmt"

	"parley/internal/models"
	"parley/internal/provider"
)

type stage int

const (
	// stageBuild failed before anything was sent.
	stageBuild stage = iota
	// stageTransport failed before a complete body was received.
	stageTransport
	// stageDecode received a body that could not be used.
	stageDecode
	stageDone
)

// exchange is what one request produced, before the buffer is touched.
type exchange struct {
	stage    stage
	envelope *models.ResponseEnvelope
	err      error
}

// outcome is the buffer transition an exchange calls for: commit the reply,
// roll back the pending user turn, or keep the user turn unanswered.
type outcome struct {
	reply    *Reply
	rollback bool
	err      error
}

// settle decides the outcome of an exchange. Failures that happen before a
// full reply arrives, and any cancellation, roll back; a reply that arrived
// but is unusable keeps the user turn.
func settle(ex exchange) outcome {
	if ex.err != nil {
		rollback := ex.stage <= stageTransport || errors.Is(ex.err, provider.ErrCancelled)
		return outcome{rollback: rollback, err: ex.err}
	}

	if ex.envelope == nil || len(ex.envelope.Candidates) == 0 {
		return outcome{err: fmt.Errorf("%w: no candidates", provider.ErrEmptyResponse)}
	}

	first := ex.envelope.Candidates[0]
	if first.Turn == nil || !first.Turn.HasText() {
		return outcome{err: fmt.Errorf("%w: candidate carries no text", provider.ErrEmptyResponse)}
	}

	return outcome{reply: &Reply{
		Text:         first.Turn.Text(),
		Turn:         first.Turn,
		ID:           ex.envelope.ID,
		Model:        ex.envelope.Model,
		FinishReason: first.FinishReason,
		Usage:        ex.envelope.Usage,
	}}
}
