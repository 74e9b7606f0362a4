package rlm

import (
	"github.com/google/uuid"

	"github.com/iuriikogan/rlm-sandbox/internal/env"
	"github.com/iuriikogan/rlm-sandbox/internal/types"
)

type phase int

const (
	phaseInit phase = iota
	phaseIterating
	phaseFinalizing
	phaseDone
	phaseFailed
)

func (p phase) String() string {
	switch p {
	case phaseInit:
		return "INIT"
	case phaseIterating:
		return "ITERATING"
	case phaseFinalizing:
		return "FINALIZING"
	case phaseDone:
		return "DONE"
	default:
		return "FAILED"
	}
}

func (p phase) status() types.Status {
	switch p {
	case phaseFinalizing:
		return types.StatusAwaitingFinal
	case phaseDone:
		return types.StatusDone
	case phaseFailed:
		return types.StatusFailed
	default:
		return types.StatusRunning
	}
}

// session is one reasoning episode. It owns its namespace and transcript;
// nothing in it is shared with other sessions.
type session struct {
	id         string
	query      string
	ns         *env.Namespace
	bridge     *QueryBridge
	transcript []types.Turn
	phase      phase
	iterations int
	productive int

	answer     *types.Value
	answerName string
}

func newSession(query string, ns *env.Namespace, bridge *QueryBridge) *session {
	return &session{
		id:     uuid.NewString(),
		query:  query,
		ns:     ns,
		bridge: bridge,
		phase:  phaseInit,
	}
}

// append adds a turn. Turns are never edited after this.
func (s *session) append(t types.Turn) {
	s.transcript = append(s.transcript, t)
}

func (s *session) say(role types.Role, content string) {
	s.append(types.Turn{Role: role, Content: content})
}

func (s *session) messages() []types.Message {
	msgs := make([]types.Message, len(s.transcript))
	for i, t := range s.transcript {
		msgs[i] = types.Message{Role: t.Role, Content: t.Content}
	}
	return msgs
}

func (s *session) snapshot() []types.Turn {
	out := make([]types.Turn, len(s.transcript))
	copy(out, s.transcript)
	return out
}
