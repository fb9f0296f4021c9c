package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NithinThadem/branch-deployments-sub001/internal/events"
	"github.com/NithinThadem/branch-deployments-sub001/internal/flow"
	"github.com/NithinThadem/branch-deployments-sub001/internal/knowledge"
	"github.com/NithinThadem/branch-deployments-sub001/internal/llm"
	"github.com/NithinThadem/branch-deployments-sub001/internal/store"
	"github.com/NithinThadem/branch-deployments-sub001/internal/tts"
)

// errStale aborts a turn that a newer caller utterance has superseded
var errStale = errors.New("turn superseded")

const (
	synthesisTimeout = 30 * time.Second
	screenedMessages = 5
)

// runTurn runs the pipeline for one completed turn. Stale turns end quietly;
// any other failure ends the call.
func (s *Session) runTurn(epoch time.Time, turn store.Turn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Turn pipeline panicked")
			s.metrics.RecordError("panic", "conversation")
			s.fail(fmt.Errorf("turn pipeline panic: %v", r))
		}
	}()
	defer s.finishReply(epoch)

	err := s.completeTurn(epoch, turn)
	switch {
	case err == nil:
	case errors.Is(err, errStale), s.ctx.Err() != nil:
		s.logger.Debug().Err(err).Msg("Turn discarded")
	default:
		s.logger.Error().Err(err).Msg("Turn pipeline failed")
		s.metrics.RecordError("pipeline", "conversation")
		s.fail(err)
	}
}

// completeTurn answers a caller (or system) turn
func (s *Session) completeTurn(epoch time.Time, turn store.Turn) error {
	ctx := s.ctx
	fromCaller := turn.Author == store.AuthorUser

	if fromCaller && IsVoicemail(turn.Text) {
		s.logger.Info().Str("text", turn.Text).Msg("Voicemail greeting detected")
		s.hangup(store.StatusVoicemail, "voicemail")
		return nil
	}

	if turn.ID == "" {
		turn.ID = newTurnID()
	}
	if turn.StartedAt.IsZero() {
		turn.StartedAt = time.Now()
	}
	turn.EndedAt = time.Now()

	s.mu.Lock()
	s.conv.Turns = append(s.conv.Turns, turn)
	if fromCaller {
		s.userReplies++
	}
	lastNode := s.conv.LastNodeID
	depth := len(s.conv.Turns)
	accountID := s.conv.AccountID
	useKnowledge := s.deps.Knowledge != nil && s.account.KnowledgeBase
	voiceID := firstNonEmpty(s.account.VoiceID, s.cfg.VoiceID)
	s.mu.Unlock()

	s.metrics.RecordTurn(string(turn.Author))
	s.metrics.RecordTurnStart()

	cleared := true
	if s.queue.HasInterim() {
		s.queue.PlayInterimAudio(s.cfg.InterimSeconds)
		cleared = false
	}

	// synthesis channel and knowledge lookup in parallel
	var (
		speech   tts.Stream
		passages []knowledge.Passage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := s.deps.Synthesizer.Open(gctx, tts.StreamOptions{VoiceID: voiceID, Language: s.language})
		if err != nil {
			return fmt.Errorf("open synthesis stream: %w", err)
		}
		speech = st
		return nil
	})
	if useKnowledge && fromCaller && depth > 2 {
		g.Go(func() error {
			found, err := s.deps.Knowledge.Search(gctx, accountID, turn.Text, s.cfg.KnowledgeTopK)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Knowledge lookup failed")
				s.metrics.RecordError("search", "knowledge")
				return nil
			}
			passages = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if speech != nil {
			speech.Close()
		}
		return err
	}
	defer speech.Close()

	if !s.isTurnCurrent(epoch) {
		s.metrics.RecordStaleDiscard("prepare")
		return errStale
	}

	if fromCaller && lastNode != "" {
		s.captureAnswer(ctx, epoch, lastNode, turn.Text)
	}

	var results []string
	if fromCaller && lastNode != "" && s.deps.Actions != nil {
		results = s.runActions(ctx, epoch, lastNode, turn.Text)
	}

	s.mu.Lock()
	script := flow.Render(s.graph, s.conv.Bindings, s.conv.LastNodeID)
	messages := buildPrompt(promptInput{
		Language: s.language,
		Script:   script.Text,
		Greeting: s.graph.Greeting,
		Passages: passages,
		Actions:  results,
		History:  s.conv.Turns,
	})
	s.mu.Unlock()

	agentTurnID := newTurnID()
	sp := newSpeaker(s, epoch, agentTurnID, speech, cleared)
	go sp.play()

	reply, err := s.generate(ctx, messages, sp)
	if err != nil {
		return err
	}
	sp.wait(ctx)

	if !s.isTurnCurrent(epoch) {
		s.metrics.RecordStaleDiscard("resolve")
		return errStale
	}

	nodeID := s.resolveNode(ctx, script, reply)

	s.mu.Lock()
	if !s.turnCurrentLocked(epoch) {
		s.mu.Unlock()
		s.metrics.RecordStaleDiscard("advance")
		return errStale
	}
	var node *flow.Node
	if nodeID != "" {
		s.conv.LastNodeID = nodeID
		s.graph.Visit(nodeID)
		s.turnNodes[agentTurnID] = nodeID
		for i := range s.conv.Turns {
			if s.conv.Turns[i].ID == agentTurnID {
				s.conv.Turns[i].NodeID = nodeID
			}
		}
		node, _ = s.graph.Node(nodeID)
	}
	s.scheduleTerminalLocked(node, reply)
	ending := s.pendingEnd != nil
	snapshot := s.conv.Clone()
	s.mu.Unlock()

	s.save(snapshot)
	if !ending {
		s.emit(events.NewResponse, map[string]string{
			"text":    reply,
			"node_id": nodeID,
		})
	}

	if fromCaller {
		go s.screen(epoch)
	}
	return nil
}

// scheduleTerminalLocked schedules the action the resolved node or the
// reply calls for
func (s *Session) scheduleTerminalLocked(node *flow.Node, reply string) {
	switch {
	case node != nil && node.IsTransfer() && node.Transfer.PhoneNumber != "":
		number := node.Transfer.PhoneNumber
		s.scheduleEndLocked(func() { s.transfer(number) })
	case node != nil && node.IsTransfer():
		flowID := node.Transfer.FlowID
		s.scheduleEndLocked(func() { s.handoffTo(flowID) })
	case node != nil && node.Type == flow.NodeEnd:
		s.scheduleEndLocked(func() { s.hangup(store.StatusEnded, "flow complete") })
	}
	if SaysGoodbye(reply) {
		s.scheduleEndLocked(func() { s.hangup(store.StatusEnded, "agent said goodbye") })
	}
}

// captureAnswer records the caller's answer to the last question node
func (s *Session) captureAnswer(ctx context.Context, epoch time.Time, nodeID, answer string) {
	s.mu.Lock()
	node, ok := s.graph.Node(nodeID)
	s.mu.Unlock()
	if !ok || node.Type != flow.NodeQuestion {
		return
	}

	ext, err := s.deps.Model.Extract(ctx, node.Description, answer, node.Outcomes)
	if err != nil {
		s.logger.Warn().Err(err).Str("node_id", nodeID).Msg("Answer extraction failed")
		s.metrics.RecordError("extract", "llm")
		ext = &llm.Extraction{Value: answer}
	}
	value := ext.Value
	if value == "" {
		value = answer
	}

	dp := store.DataPoint{
		NodeID:    nodeID,
		Question:  node.Description,
		Value:     answer,
		Outcome:   ext.Outcome,
		Strict:    containsFold(node.Outcomes, ext.Outcome),
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	if !s.turnCurrentLocked(epoch) {
		s.mu.Unlock()
		s.metrics.RecordStaleDiscard("extract")
		return
	}
	s.conv.DataPoints = append(s.conv.DataPoints, dp)
	s.conv.Bindings[nodeID] = value
	s.mu.Unlock()

	s.emit(events.DataPoint, map[string]string{
		"node_id":  dp.NodeID,
		"question": dp.Question,
		"value":    dp.Value,
		"outcome":  dp.Outcome,
		"strict":   fmt.Sprint(dp.Strict),
	})
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// runActions executes the external call that follows the last node, if
// any. With several candidates the model picks the one the answer fits.
func (s *Session) runActions(ctx context.Context, epoch time.Time, lastNode, answer string) []string {
	s.mu.Lock()
	var candidates []*flow.Node
	for _, child := range s.graph.Children(lastNode) {
		if child.IsExternalCall() {
			candidates = append(candidates, child)
		}
	}
	bindings := make(map[string]string, len(s.conv.Bindings))
	for k, v := range s.conv.Bindings {
		bindings[k] = v
	}
	s.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}
	chosen := candidates[0]
	if len(candidates) > 1 {
		options := make([]string, len(candidates))
		for i, c := range candidates {
			options[i] = c.Description
		}
		idx, err := s.deps.Model.Choose(ctx, answer, options)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Action selection failed")
			s.metrics.RecordError("choose", "llm")
			return nil
		}
		if idx < 0 {
			return nil
		}
		chosen = candidates[idx]
	}

	res, err := s.deps.Actions.Execute(ctx, chosen, bindings)
	if err != nil {
		s.logger.Warn().Err(err).Str("node_id", chosen.ID).Msg("Action failed")
		s.metrics.RecordError("execute", "actions")
		return nil
	}

	s.mu.Lock()
	if !s.turnCurrentLocked(epoch) {
		s.mu.Unlock()
		s.metrics.RecordStaleDiscard("actions")
		return nil
	}
	s.conv.Bindings[chosen.ID] = res.Summary
	for k, v := range res.Values {
		s.conv.Bindings[chosen.ID+"."+k] = v
	}
	s.mu.Unlock()

	name := firstNonEmpty(res.Name, chosen.Description, chosen.ID)
	return []string{fmt.Sprintf("%s: %s", name, res.Summary)}
}

// generate streams the reply, handing each speakable chunk to the speaker
func (s *Session) generate(ctx context.Context, messages []llm.Message, sp *speaker) (string, error) {
	var reply, pending strings.Builder
	err := s.deps.Model.Stream(ctx, messages, func(token string) error {
		s.metrics.RecordFirstToken()
		reply.WriteString(token)
		pending.WriteString(token)

		chunks, rest := splitSpeakable(pending.String())
		if len(chunks) == 0 {
			return nil
		}
		pending.Reset()
		pending.WriteString(rest)
		for _, chunk := range chunks {
			if err := sp.say(chunk); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}

	if tail := strings.TrimSpace(pending.String()); tail != "" {
		if err := sp.say(tail); err != nil {
			return "", err
		}
	}
	sp.endOfText()
	return strings.TrimSpace(reply.String()), nil
}

// resolveNode asks the arbiter which script step the reply completed
func (s *Session) resolveNode(ctx context.Context, script *flow.Script, reply string) string {
	if reply == "" || len(script.Steps) == 0 {
		return ""
	}
	step, err := s.deps.Model.ResolveStep(ctx, script.Text, reply)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Step resolution failed")
		s.metrics.RecordError("resolve", "llm")
		return ""
	}
	nodeID, ok := script.NodeForStep(step)
	if !ok {
		return ""
	}
	s.logger.Debug().Int("step", step).Str("node_id", nodeID).Msg("Resolved step")
	return nodeID
}

// screen classifies the caller's recent messages and hangs up on a violation
func (s *Session) screen(epoch time.Time) {
	s.mu.Lock()
	var said []string
	for i := len(s.conv.Turns) - 1; i >= 0 && len(said) < screenedMessages; i-- {
		if t := s.conv.Turns[i]; t.Author == store.AuthorUser {
			said = append([]string{t.Text}, said...)
		}
	}
	s.mu.Unlock()

	verdict, err := s.deps.Model.Classify(s.ctx, said)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("Safety classification failed")
			s.metrics.RecordError("classify", "llm")
		}
		return
	}
	if !verdict.Violation {
		return
	}
	s.logger.Warn().Str("reason", verdict.Reason).Msg("Caller violated usage policy")
	if err := s.queue.Clear(); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to clear outbound audio")
	}
	s.hangup(store.StatusViolation, verdict.Reason)
}

// speaker feeds reply chunks to the synthesis stream and plays the audio
// that comes back, marking the end of every chunk.
type speaker struct {
	s       *Session
	epoch   time.Time
	turnID  string
	stream  tts.Stream
	cleared bool

	mu     sync.Mutex
	texts  map[int]string
	sent   int
	finals int
	ended  bool

	done     chan struct{}
	doneOnce sync.Once
}

func newSpeaker(s *Session, epoch time.Time, turnID string, stream tts.Stream, cleared bool) *speaker {
	return &speaker{
		s:       s,
		epoch:   epoch,
		turnID:  turnID,
		stream:  stream,
		cleared: cleared,
		texts:   make(map[int]string),
		done:    make(chan struct{}),
	}
}

// say sends one chunk for synthesis. A stale turn flushes the stream instead.
func (sp *speaker) say(text string) error {
	if !sp.s.isTurnCurrent(sp.epoch) {
		sp.s.metrics.RecordStaleDiscard("synthesis")
		if err := sp.stream.Flush(); err != nil {
			sp.s.logger.Debug().Err(err).Msg("Failed to flush synthesis")
		}
		return errStale
	}

	sp.mu.Lock()
	seq := sp.sent
	sp.sent++
	sp.texts[seq] = text
	sp.mu.Unlock()

	if err := sp.stream.Send(seq, text); err != nil {
		return fmt.Errorf("synthesize chunk %d: %w", seq, err)
	}
	return nil
}

// endOfText is called once the whole reply has been sent
func (sp *speaker) endOfText() {
	sp.mu.Lock()
	sp.ended = true
	complete := sp.finals >= sp.sent
	sp.mu.Unlock()
	if complete {
		sp.finish()
	}
}

func (sp *speaker) finish() {
	sp.doneOnce.Do(func() { close(sp.done) })
}

// wait blocks until every sent chunk has been synthesized
func (sp *speaker) wait(ctx context.Context) {
	timer := time.NewTimer(synthesisTimeout)
	defer timer.Stop()
	select {
	case <-sp.done:
	case <-ctx.Done():
	case <-timer.C:
		sp.s.logger.Warn().Msg("Synthesis did not finish in time")
	}
}

// play forwards synthesized audio to the queue in sequence order. Chunks
// for a later sequence are held until every earlier one has its final,
// so each mark closes exactly the audio of its own text.
func (sp *speaker) play() {
	defer sp.finish()
	next := 0
	held := make(map[int][]*tts.AudioChunk)
	for chunk := range sp.stream.Events() {
		if !sp.s.isTurnCurrent(sp.epoch) {
			sp.s.metrics.RecordStaleDiscard("playback")
			continue
		}
		if chunk.Seq != next {
			held[chunk.Seq] = append(held[chunk.Seq], chunk)
			continue
		}

		ready := []*tts.AudioChunk{chunk}
		for len(ready) > 0 {
			c := ready[0]
			ready = ready[1:]
			final, complete := sp.deliver(c)
			if complete {
				return
			}
			if final {
				next++
				ready = append(ready, held[next]...)
				delete(held, next)
			}
		}
	}
}

// deliver plays one chunk and, on a final, queues the mark for its text
func (sp *speaker) deliver(chunk *tts.AudioChunk) (final, complete bool) {
	if len(chunk.Data) > 0 {
		if !sp.cleared {
			if err := sp.s.queue.Clear(); err != nil {
				sp.s.logger.Debug().Err(err).Msg("Failed to clear interim audio")
			}
			sp.cleared = true
		}
		sp.s.metrics.RecordFirstAudio()
		sp.s.queue.Media(chunk.Data)
	}
	if !chunk.Final {
		return false, false
	}

	sp.mu.Lock()
	text := sp.texts[chunk.Seq]
	sp.finals++
	complete = sp.ended && sp.finals >= sp.sent
	sp.mu.Unlock()

	sp.s.queueMark(sp.epoch, fmt.Sprintf("%s:%d", sp.turnID, chunk.Seq), text)
	return true, complete
}

// queueMark registers and enqueues the mark that closes one chunk's audio
func (s *Session) queueMark(epoch time.Time, name, text string) {
	s.mu.Lock()
	if !s.turnCurrentLocked(epoch) {
		s.mu.Unlock()
		return
	}
	s.pendingMarks[name] = text
	s.mu.Unlock()
	s.queue.Mark(name)
}
