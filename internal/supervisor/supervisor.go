// Package supervisor implements the fatal-vs-event completion error
// policy spec.md §9 leaves open (REDESIGN FLAGS (c) in SPEC_FULL.md):
// by default a non-SUCCESS work completion is fatal to the process
// (matching the original's documented default), but a caller may
// register a FailureSupervisor in supervised mode, in which case the
// error is logged and published as an Event instead of exiting.
package supervisor

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Achillessanger/SmartWN/verbs"
)

// Event describes one non-SUCCESS completion observed by an engine
// worker, published only when the supervisor runs in supervised mode.
type Event struct {
	ID          uuid.UUID
	Time        time.Time
	EngineIndex int
	WrID        uint64
	Opcode      verbs.WROpcode
	Status      verbs.WCStatus
}

// FailureSupervisor decides what happens when an engine worker observes
// a completion with Status != WCSuccess.
type FailureSupervisor struct {
	logger     *zap.SugaredLogger
	supervised bool
	events     chan Event
}

// New constructs a FailureSupervisor. When supervised is false (the
// default policy), HandleCompletionError logs at Fatal, which zap turns
// into os.Exit after flushing. When true, it logs at Error and
// publishes an Event on the channel returned by Events instead.
func New(logger *zap.SugaredLogger, supervised bool) *FailureSupervisor {
	return &FailureSupervisor{
		logger:     logger,
		supervised: supervised,
		events:     make(chan Event, 64),
	}
}

// Events returns the channel Event values are published on. Only
// meaningful when the supervisor was constructed with supervised=true;
// otherwise nothing is ever sent (HandleCompletionError exits first).
func (s *FailureSupervisor) Events() <-chan Event {
	return s.events
}

// HandleCompletionError applies the configured policy to a non-SUCCESS
// completion observed by engineIndex.
func (s *FailureSupervisor) HandleCompletionError(engineIndex int, wc verbs.WorkCompletion) {
	if !s.supervised {
		s.logger.Fatalw("completion error",
			"engine", engineIndex, "wr_id", wc.WrID, "opcode", wc.Opcode, "status", wc.Status)
		return
	}
	s.logger.Errorw("completion error",
		"engine", engineIndex, "wr_id", wc.WrID, "opcode", wc.Opcode, "status", wc.Status)
	ev := Event{
		ID:          uuid.New(),
		Time:        time.Now(),
		EngineIndex: engineIndex,
		WrID:        wc.WrID,
		Opcode:      wc.Opcode,
		Status:      wc.Status,
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warnw("dropping completion-error event, channel full", "engine", engineIndex)
	}
}
