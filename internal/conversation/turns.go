package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/NithinThadem/branch-deployments-sub001/internal/events"
	"github.com/NithinThadem/branch-deployments-sub001/internal/handoff"
	"github.com/NithinThadem/branch-deployments-sub001/internal/store"
	"github.com/NithinThadem/branch-deployments-sub001/internal/stt"
)

func (s *Session) consumeTranscripts(results <-chan *stt.TranscriptionResult) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			s.handleTranscript(res)
		}
	}
}

// handleTranscript applies one recognizer result: it may interrupt the
// agent, extends the caller's pending utterance and decides whether the
// caller's turn is over.
func (s *Session) handleTranscript(res *stt.TranscriptionResult) {
	text := strings.TrimSpace(res.Text)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() || s.state == StateConnecting || s.pendingEnd != nil {
		return
	}
	if text == "" {
		if res.SpeechFinal {
			s.completeCallerTurnLocked()
		}
		return
	}

	if s.state == StateResponding {
		if s.userReplies > 0 && s.fillers.Contains(text) {
			s.logger.Debug().Str("text", text).Msg("Ignoring acknowledgement while agent speaks")
			return
		}
		s.interruptLocked()
	}

	s.logger.Debug().Str("text", text).Bool("final", res.IsFinal).Msg("Transcript")
	s.remainingTries = s.tryLimit()
	if s.silence != nil {
		s.silence.Stop()
	}
	s.transcribing = true
	s.repeating = false
	s.state = StateListening

	// Deepgram marks each finalized segment is_final; only speech_final
	// (endpointing) ends the utterance, otherwise the stable-transcript timer does.
	if res.IsFinal {
		s.finalText = append(s.finalText, text)
		s.interimText = ""
	} else {
		s.interimText = text
	}

	if res.SpeechFinal {
		s.completeCallerTurnLocked()
		return
	}
	s.armEndOfTurnLocked()
}

// interruptLocked stops the agent because the caller started talking.
// Audio that already played stays in the agent's turn; the rest is dropped.
func (s *Session) interruptLocked() {
	s.logger.Info().Int("unplayed_chunks", len(s.pendingMarks)).Msg("Caller interrupted agent")
	s.metrics.RecordInterruption()
	s.pendingMarks = make(map[string]string)
	s.replying = false
	s.repeating = false
	s.transcribing = true
	s.state = StateListening
	if err := s.queue.Clear(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to clear outbound audio")
	}
}

func (s *Session) pendingTranscriptLocked() string {
	parts := append([]string(nil), s.finalText...)
	if s.interimText != "" {
		parts = append(parts, s.interimText)
	}
	return strings.Join(parts, " ")
}

// armEndOfTurnLocked ends the caller's turn once the transcript stays
// unchanged for the silence threshold
func (s *Session) armEndOfTurnLocked() {
	if s.endOfTurn != nil {
		s.endOfTurn.Stop()
	}
	snapshot := s.pendingTranscriptLocked()
	s.endOfTurn = time.AfterFunc(s.cfg.SilenceThreshold, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state.Terminal() || !s.transcribing || s.pendingTranscriptLocked() != snapshot {
			return
		}
		s.completeCallerTurnLocked()
	})
}

func (s *Session) completeCallerTurnLocked() {
	text := s.pendingTranscriptLocked()
	s.finalText, s.interimText = nil, ""
	if s.endOfTurn != nil {
		s.endOfTurn.Stop()
	}
	if text == "" {
		return
	}

	epoch := s.beginTurnLocked(false)
	turn := store.Turn{ID: newTurnID(), Author: store.AuthorUser, Text: text, StartedAt: time.Now()}
	go s.runTurn(epoch, turn)
}

// beginTurnLocked stamps a new turn epoch. Work started under an older
// epoch becomes stale.
func (s *Session) beginTurnLocked(repeating bool) time.Time {
	epoch := time.Now()
	if !epoch.After(s.turnEpoch) {
		epoch = s.turnEpoch.Add(time.Nanosecond)
	}
	s.turnEpoch = epoch
	s.transcribing = false
	s.repeating = repeating
	s.replying = true
	s.state = StateResponding
	if s.silence != nil {
		s.silence.Stop()
	}
	return epoch
}

// isTurnCurrent reports whether work started at epoch may still produce
// caller-visible effects
func (s *Session) isTurnCurrent(epoch time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCurrentLocked(epoch)
}

func (s *Session) turnCurrentLocked(epoch time.Time) bool {
	if s.state.Terminal() {
		return false
	}
	return (!s.transcribing && epoch.Equal(s.turnEpoch)) || s.repeating
}

// finishReply marks reply generation for epoch as done
func (s *Session) finishReply(epoch time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !epoch.Equal(s.turnEpoch) {
		return
	}
	s.replying = false
	s.checkPlaybackLocked()
}

// checkPlaybackLocked runs once the reply is generated and every mark has
// echoed: a scheduled terminal action fires, otherwise the agent listens.
func (s *Session) checkPlaybackLocked() {
	if s.replying || len(s.pendingMarks) > 0 || s.state.Terminal() {
		return
	}
	if fn := s.pendingEnd; fn != nil {
		s.pendingEnd = nil
		if s.grace != nil {
			s.grace.Stop()
		}
		go fn()
		return
	}
	s.state = StateListening
	if !s.transcribing {
		s.armSilenceLocked()
	}
}

func (s *Session) armSilenceLocked() {
	if s.silence != nil {
		s.silence.Stop()
	}
	s.silence = time.AfterFunc(s.cfg.SilenceTimeout, s.onSilence)
}

// onSilence re-prompts the caller, or hangs up when the tries run out
func (s *Session) onSilence() {
	s.mu.Lock()
	defer s.mu.Unlock()

	speaking := s.replying || len(s.pendingMarks) > 0 || s.state == StateResponding
	if s.state.Terminal() || s.transcribing || speaking || s.pendingEnd != nil {
		return
	}

	s.remainingTries--
	s.metrics.RecordSilenceTimeout()
	s.logger.Info().Int("remaining_tries", s.remainingTries).Msg("Caller silence timeout")

	if s.remainingTries <= 0 {
		status := store.StatusEnded
		if s.machineLikely {
			status = store.StatusNoAnswer
		}
		go s.hangup(status, "no response from caller")
		return
	}

	prompt := silencePrompt
	if s.remainingTries == 1 {
		prompt = finalSilencePrompt
	}
	epoch := s.beginTurnLocked(true)
	go s.runTurn(epoch, store.Turn{Author: store.AuthorSystem, Text: prompt})
}

// scheduleEndLocked defers a terminal action until the agent's closing audio
// has played, bounded by TerminalGrace
func (s *Session) scheduleEndLocked(fn func()) {
	if s.pendingEnd != nil || s.terminating.Load() {
		return
	}
	s.pendingEnd = fn
	if s.silence != nil {
		s.silence.Stop()
	}
	s.grace = time.AfterFunc(s.cfg.TerminalGrace, func() {
		s.mu.Lock()
		pending := s.pendingEnd
		s.pendingEnd = nil
		s.mu.Unlock()
		if pending != nil {
			s.logger.Warn().Msg("Closing audio did not finish in time")
			pending()
		}
	})
}

// terminate runs the call's single terminal action. Later triggers are no-ops.
func (s *Session) terminate(final State, status store.Status, reason string, action func(ctx context.Context) error) {
	if !s.terminating.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	s.state = StateEnding
	s.pendingEnd = nil
	s.stopTimersLocked()
	if s.conv != nil {
		s.conv.Status = status
		s.conv.EndReason = reason
	}
	s.mu.Unlock()

	s.logger.Info().Str("status", string(status)).Str("reason", reason).Msg("Ending call")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), callControlTimeout)
	defer cancel()
	if err := action(ctx); err != nil {
		s.logger.Error().Err(err).Str("reason", reason).Msg("Call control failed")
		s.metrics.RecordError("call_control", "telephony")
	}
	s.finish(final)
}

// hangup ends the call with status
func (s *Session) hangup(status store.Status, reason string) {
	final := StateEnded
	if status == store.StatusFailed {
		final = StateFailed
	}
	s.terminate(final, status, reason, func(ctx context.Context) error {
		return s.deps.Calls.Hangup(ctx, s.callSID)
	})
}

// fail clears outbound audio and ends the call after a pipeline failure
func (s *Session) fail(err error) {
	if s.queue != nil {
		if cerr := s.queue.Clear(); cerr != nil {
			s.logger.Debug().Err(cerr).Msg("Failed to clear outbound audio")
		}
	}
	s.hangup(store.StatusFailed, err.Error())
}

// transfer bridges the caller to a phone number
func (s *Session) transfer(number string) {
	s.terminate(StateTransferred, store.StatusTransferred, "transfer to "+number, func(ctx context.Context) error {
		s.emit(events.PhoneTransfer, map[string]string{"to": number})
		return s.deps.Calls.Transfer(ctx, s.callSID, number)
	})
}

// handoffTo leaves a handoff record for the caller's next call into flowID
// and sends the caller to the handoff number
func (s *Session) handoffTo(flowID string) {
	s.mu.Lock()
	caller, responseID := s.conv.CallerNumber, s.conv.ID
	s.mu.Unlock()

	if s.cfg.HandoffNumber == "" || caller == "" || s.deps.Handoffs == nil {
		s.logger.Warn().Str("flow_id", flowID).Msg("Handoff unavailable, ending call")
		s.hangup(store.StatusEnded, "handoff unavailable")
		return
	}

	s.terminate(StateTransferred, store.StatusTransferred, "handoff to flow "+flowID, func(ctx context.Context) error {
		rec := &handoff.Record{
			ResponseID:     responseID,
			TargetFlowID:   flowID,
			OriginatingCID: s.callSID,
			CreatedAt:      time.Now(),
		}
		if err := s.deps.Handoffs.Put(ctx, caller, rec); err != nil {
			s.logger.Error().Err(err).Msg("Failed to store handoff record")
			s.metrics.RecordError("handoff", "handoff")
		}
		s.emit(events.AgentHandoff, map[string]string{"flow_id": flowID, "to": s.cfg.HandoffNumber})
		return s.deps.Calls.Transfer(ctx, s.callSID, s.cfg.HandoffNumber)
	})
}
