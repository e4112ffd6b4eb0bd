package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/emote-tracker/kv"
	"github.com/onnwee/emote-tracker/telemetry"
)

// SnapshotSource returns the channel's live stream, nil when offline or when
// the lookup failed. The two cases are deliberately indistinguishable.
type SnapshotSource interface {
	Snapshot(ctx context.Context, channelID string) *Snapshot
}

// UsageSource returns the current usage count of item in a channel, nil when
// unknown.
type UsageSource interface {
	UsageCount(ctx context.Context, channelID, item string) *int
}

// Outcome classifies a reconciliation pass.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeNoop  Outcome = "noop"
	OutcomeError Outcome = "error"
)

// Action is the transition a pass applied or meant to apply.
type Action string

const (
	ActionNone            Action = "none"
	ActionStart           Action = "start"
	ActionResume          Action = "resume"
	ActionCategoryChanged Action = "category_changed"
	ActionEnd             Action = "end"
	ActionRestart         Action = "restart"
	ActionUpdate          Action = "update"
)

// Result is the single outcome of a pass.
type Result struct {
	Outcome  Outcome `json:"outcome"`
	Action   Action  `json:"action"`
	Reason   string  `json:"reason,omitempty"`
	StreamID string  `json:"streamId,omitempty"`
}

func (r Result) String() string {
	if r.Reason == "" {
		return fmt.Sprintf("%s/%s", r.Outcome, r.Action)
	}
	return fmt.Sprintf("%s/%s: %s", r.Outcome, r.Action, r.Reason)
}

// Engine runs reconciliation passes. Passes for one channel are serialized;
// different channels run concurrently.
type Engine struct {
	snapshots SnapshotSource
	usage     UsageSource
	markers   *MarkerStore
	state     *StateCache
	now       func() time.Time

	mu    sync.Mutex
	lanes map[string]chan struct{}
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store kv.Store, snapshots SnapshotSource, usage UsageSource, opts ...EngineOption) *Engine {
	e := &Engine{
		snapshots: snapshots,
		usage:     usage,
		markers:   NewMarkerStore(store),
		state:     NewStateCache(store),
		now:       time.Now,
		lanes:     make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Markers exposes the ledger for readers.
func (e *Engine) Markers() *MarkerStore { return e.markers }

// State exposes the local state cache for readers.
func (e *Engine) State() *StateCache { return e.state }

func (e *Engine) lane(channelID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.lanes[channelID]
	if !ok {
		l = make(chan struct{}, 1)
		e.lanes[channelID] = l
	}
	return l
}

// Reconcile runs one pass for channelID tracking item, with ev describing the
// pushed transition (zero Event for a poll). It waits for any in-flight pass of
// the same channel before reading state.
func (e *Engine) Reconcile(ctx context.Context, channelID, item string, ev Event) Result {
	lane := e.lane(channelID)
	select {
	case lane <- struct{}{}:
	case <-ctx.Done():
		return Result{Outcome: OutcomeError, Action: ActionNone, Reason: "canceled waiting for in-flight pass: " + ctx.Err().Error()}
	}
	defer func() { <-lane }()

	ctx, span := telemetry.StartSpan(ctx, "stream", "reconcile",
		telemetry.ChannelAttr(channelID), attribute.String("event", ev.Kind.String()))
	defer span.End()

	start := time.Now()
	p := &pass{
		e:    e,
		ctx:  ctx,
		ch:   channelID,
		item: item,
		ev:   ev,
		log: telemetry.LoggerWithCorr(ctx).With(
			slog.String("component", "reconcile"),
			slog.String("channel", channelID),
			slog.String("pass", uuid.NewString()),
		),
	}
	res := p.run()

	telemetry.RecordPass(string(res.Outcome), string(res.Action), time.Since(start))
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)), attribute.String("action", string(res.Action)))
	if res.Outcome == OutcomeError {
		telemetry.RecordError(span, errors.New(res.Reason))
	} else {
		telemetry.SetSpanSuccess(span)
	}
	p.log.Debug("reconcile pass complete", slog.String("outcome", string(res.Outcome)), slog.String("action", string(res.Action)), slog.String("reason", res.Reason))
	return res
}

// pass carries the inputs of one reconciliation.
type pass struct {
	e       *Engine
	ctx     context.Context
	ch      string
	item    string
	ev      Event
	local   *LocalState
	queried *Snapshot
	log     *slog.Logger
}

func (p *pass) run() Result {
	local, err := p.e.state.Get(p.ctx, p.ch)
	if err != nil {
		p.log.Error("local state read failed", slog.Any("err", err))
		return Result{Outcome: OutcomeError, Action: ActionNone, Reason: err.Error()}
	}
	p.local = local
	p.queried = p.e.snapshots.Snapshot(p.ctx, p.ch)
	res := p.decide()
	live, _ := p.e.state.Get(p.ctx, p.ch)
	telemetry.SetLive(p.ch, live != nil)
	return res
}

func (p *pass) decide() Result {
	l, q := p.local, p.queried
	switch p.ev.Kind {
	case EventStart:
		id := p.ev.StreamID
		if id == "" && q != nil {
			id = q.StreamID
		}
		if l == nil {
			if q == nil {
				return p.diagnose(OutcomeNoop, ActionStart, "start event but platform reports no live stream")
			}
			return p.startStream(q)
		}
		if l.StreamID == id {
			return p.diagnose(OutcomeNoop, ActionStart, "duplicate start: stream already tracked")
		}
		if q == nil {
			return p.diagnose(OutcomeNoop, ActionRestart, "start event for a new stream but platform reports no live stream")
		}
		if q.StreamID == l.StreamID {
			return p.diagnose(OutcomeNoop, ActionRestart, "start event for a stream the platform does not report yet")
		}
		return p.restart(*l, q)

	case EventCategoryChanged:
		if l == nil {
			return p.diagnose(OutcomeNoop, ActionCategoryChanged, "category change with no stream to attach to")
		}
		if q == nil {
			return p.diagnose(OutcomeNoop, ActionCategoryChanged, "category change but platform reports no live stream")
		}
		if q.StreamID != l.StreamID {
			return p.restart(*l, q)
		}
		if q.Category.ID == l.Category.ID {
			return p.diagnose(OutcomeNoop, ActionCategoryChanged, "no actual change in category")
		}
		return p.changeCategory(p.merged(*l, q))

	case EventEnd:
		if l == nil {
			if q == nil {
				return p.diagnose(OutcomeNoop, ActionEnd, "end event with no reference at all")
			}
			return p.endStream(stateFromSnapshot(q))
		}
		if q == nil {
			return p.endStream(*l)
		}
		if q.StreamID != l.StreamID {
			return p.restart(*l, q)
		}
		ended := *l
		ended.Title = q.Title
		ended.ViewerCount = max(l.ViewerCount, q.ViewerCount)
		return p.endStream(ended)

	default:
		switch {
		case l != nil && q != nil:
			return p.validateAndUpdate(*l, q)
		case l != nil:
			return p.endStream(*l)
		case q != nil:
			return p.startStream(q)
		default:
			return Result{Outcome: OutcomeNoop, Action: ActionNone, Reason: "offline"}
		}
	}
}

// merged lays the queried category, title and viewers over local.
func (p *pass) merged(l LocalState, q *Snapshot) LocalState {
	l.Category = q.Category
	l.Title = q.Title
	l.ViewerCount = max(l.ViewerCount, q.ViewerCount)
	return l
}

// diagnose logs an unexpected input combination with all three inputs.
func (p *pass) diagnose(outcome Outcome, action Action, reason string) Result {
	p.log.Warn(reason,
		slog.String("provided_event", p.ev.String()),
		slog.Any("local", p.local),
		slog.Any("queried", p.queried),
	)
	return Result{Outcome: outcome, Action: action, Reason: reason}
}

func (p *pass) fail(action Action, streamID string, err error) Result {
	p.log.Error("reconcile write failed", slog.String("action", string(action)), slog.String("stream", streamID), slog.Any("err", err))
	return Result{Outcome: OutcomeError, Action: action, Reason: err.Error(), StreamID: streamID}
}

func (p *pass) nowMs() int64 { return p.e.now().UnixMilli() }

func (p *pass) usageCount() *int {
	n := p.e.usage.UsageCount(p.ctx, p.ch, p.item)
	if n != nil {
		telemetry.SetEmoteCount(p.ch, *n)
	}
	return n
}

func (p *pass) appendMarker(streamID string, m Marker) (int64, error) {
	ts, err := p.e.markers.Append(p.ctx, p.ch, streamID, p.nowMs(), m)
	if err != nil {
		return 0, err
	}
	telemetry.IncMarker(string(m.Type))
	return ts, nil
}

// closeLast patches the last marker with the usage since it was written.
func (p *pass) closeLast(streamID string, last int64, count *int) error {
	prev, err := p.e.markers.emoteCount(p.ctx, p.ch, streamID, last)
	if err != nil {
		return err
	}
	d := delta(count, prev)
	if d == nil {
		return nil
	}
	return p.e.markers.Patch(p.ctx, p.ch, streamID, last, map[string]any{"emoteUsage": *d})
}

func (p *pass) startStream(s *Snapshot) Result {
	ms := p.e.markers
	last, has, err := ms.LastKey(p.ctx, p.ch, s.StreamID)
	if err != nil {
		return p.fail(ActionStart, s.StreamID, err)
	}
	ls := stateFromSnapshot(s)

	if has {
		lastMarker, _, err := ms.Get(p.ctx, p.ch, s.StreamID, last)
		if err != nil {
			return p.fail(ActionResume, s.StreamID, err)
		}
		if lastMarker == nil || lastMarker.Type != MarkerEnd {
			if err := p.e.state.Put(p.ctx, p.ch, ls); err != nil {
				return p.fail(ActionResume, s.StreamID, err)
			}
			p.log.Info("stream already recorded; local state restored", slog.String("stream", s.StreamID))
			return Result{Outcome: OutcomeOK, Action: ActionResume, Reason: "local state restored", StreamID: s.StreamID}
		}
		// a stream that was ended while still live upstream
		count := p.usageCount()
		if err := p.closeLast(s.StreamID, last, count); err != nil {
			return p.fail(ActionResume, s.StreamID, err)
		}
		if _, err := p.appendMarker(s.StreamID, Marker{Type: MarkerStart, Category: s.Category, Title: s.Title, EmoteCount: count}); err != nil {
			return p.fail(ActionResume, s.StreamID, err)
		}
		fields := map[string]any{"endedAt": nil, "uptimeHours": nil, "emoteUsage": nil, "emotePerHour": nil, "title": s.Title}
		if rec, ok, err := ms.Record(p.ctx, p.ch, s.StreamID); err == nil && ok {
			fields["viewers"] = max(rec.Viewers, s.ViewerCount)
		}
		if err := ms.UpdateRecord(p.ctx, p.ch, s.StreamID, fields); err != nil {
			return p.fail(ActionResume, s.StreamID, err)
		}
		if err := p.e.state.Put(p.ctx, p.ch, ls); err != nil {
			return p.fail(ActionResume, s.StreamID, err)
		}
		p.log.Info("ended stream resumed", slog.String("stream", s.StreamID))
		return Result{Outcome: OutcomeOK, Action: ActionResume, Reason: "ended stream resumed", StreamID: s.StreamID}
	}

	count := p.usageCount()
	startedAt := s.StartedAt
	if startedAt.IsZero() {
		startedAt = p.e.now().UTC()
	}
	rec := StreamRecord{Title: s.Title, Viewers: s.ViewerCount, StartedAt: startedAt}
	if err := ms.CreateRecord(p.ctx, p.ch, s.StreamID, rec); err != nil {
		return p.fail(ActionStart, s.StreamID, err)
	}
	if _, err := p.appendMarker(s.StreamID, Marker{Type: MarkerStart, Category: s.Category, Title: s.Title, EmoteCount: count}); err != nil {
		return p.fail(ActionStart, s.StreamID, err)
	}
	if err := p.e.state.Put(p.ctx, p.ch, ls); err != nil {
		return p.fail(ActionStart, s.StreamID, err)
	}
	p.log.Info("stream started", slog.String("stream", s.StreamID), slog.String("category", s.Category.Name), slog.Any("emote_count", count))
	return Result{Outcome: OutcomeOK, Action: ActionStart, StreamID: s.StreamID}
}

func (p *pass) changeCategory(ls LocalState) Result {
	ms := p.e.markers
	last, has, err := ms.LastKey(p.ctx, p.ch, ls.StreamID)
	if err != nil {
		return p.fail(ActionCategoryChanged, ls.StreamID, err)
	}
	if !has {
		res := p.diagnose(OutcomeError, ActionCategoryChanged, "category change but stream has no markers")
		res.StreamID = ls.StreamID
		return res
	}
	count := p.usageCount()
	if err := p.closeLast(ls.StreamID, last, count); err != nil {
		return p.fail(ActionCategoryChanged, ls.StreamID, err)
	}
	if _, err := p.appendMarker(ls.StreamID, Marker{Type: MarkerCategoryChanged, Category: ls.Category, Title: ls.Title, EmoteCount: count}); err != nil {
		return p.fail(ActionCategoryChanged, ls.StreamID, err)
	}
	viewers := ls.ViewerCount
	if rec, ok, err := ms.Record(p.ctx, p.ch, ls.StreamID); err == nil && ok {
		viewers = max(viewers, rec.Viewers)
	}
	if err := ms.UpdateRecord(p.ctx, p.ch, ls.StreamID, map[string]any{"title": ls.Title, "viewers": viewers}); err != nil {
		return p.fail(ActionCategoryChanged, ls.StreamID, err)
	}
	if err := p.e.state.Put(p.ctx, p.ch, ls); err != nil {
		return p.fail(ActionCategoryChanged, ls.StreamID, err)
	}
	p.log.Info("category changed", slog.String("stream", ls.StreamID), slog.String("category", ls.Category.Name), slog.Any("emote_count", count))
	return Result{Outcome: OutcomeOK, Action: ActionCategoryChanged, StreamID: ls.StreamID}
}

func (p *pass) endStream(ls LocalState) Result {
	ms := p.e.markers
	clearLocal := func() error {
		if p.local == nil {
			return nil
		}
		return p.e.state.Delete(p.ctx, p.ch)
	}

	last, has, err := ms.LastKey(p.ctx, p.ch, ls.StreamID)
	if err != nil {
		return p.fail(ActionEnd, ls.StreamID, err)
	}
	if !has {
		if err := clearLocal(); err != nil {
			return p.fail(ActionEnd, ls.StreamID, err)
		}
		res := p.diagnose(OutcomeError, ActionEnd, "end of a stream that has no markers")
		res.StreamID = ls.StreamID
		return res
	}
	count := p.usageCount()
	if err := p.closeLast(ls.StreamID, last, count); err != nil {
		return p.fail(ActionEnd, ls.StreamID, err)
	}
	endTs, err := p.appendMarker(ls.StreamID, Marker{Type: MarkerEnd, Category: ls.Category, Title: ls.Title, EmoteCount: count})
	if err != nil {
		return p.fail(ActionEnd, ls.StreamID, err)
	}
	first, _, err := ms.FirstKey(p.ctx, p.ch, ls.StreamID)
	if err != nil {
		return p.fail(ActionEnd, ls.StreamID, err)
	}
	firstCount, err := ms.emoteCount(p.ctx, p.ch, ls.StreamID, first)
	if err != nil {
		return p.fail(ActionEnd, ls.StreamID, err)
	}
	viewers := ls.ViewerCount
	if rec, ok, err := ms.Record(p.ctx, p.ch, ls.StreamID); err == nil && ok {
		viewers = max(viewers, rec.Viewers)
	}
	uptime := hoursBetween(first, endTs)
	total := delta(count, firstCount)
	fields := map[string]any{
		"title":        ls.Title,
		"viewers":      viewers,
		"endedAt":      time.UnixMilli(endTs).UTC(),
		"uptimeHours":  uptime,
		"emoteUsage":   total,
		"emotePerHour": perHour(total, uptime),
	}
	if err := ms.UpdateRecord(p.ctx, p.ch, ls.StreamID, fields); err != nil {
		return p.fail(ActionEnd, ls.StreamID, err)
	}
	if err := clearLocal(); err != nil {
		return p.fail(ActionEnd, ls.StreamID, err)
	}
	p.log.Info("stream ended", slog.String("stream", ls.StreamID), slog.Any("emote_usage", total), slog.Any("uptime_hours", uptime))
	return Result{Outcome: OutcomeOK, Action: ActionEnd, StreamID: ls.StreamID}
}

// restart ends the locally known stream and starts the queried one.
func (p *pass) restart(l LocalState, q *Snapshot) Result {
	ended := p.endStream(l)
	started := p.startStream(q)
	res := Result{Outcome: OutcomeOK, Action: ActionRestart, StreamID: q.StreamID,
		Reason: fmt.Sprintf("ended %s, started %s", l.StreamID, q.StreamID)}
	if ended.Outcome == OutcomeError {
		res.Outcome = OutcomeError
		res.Reason += "; end: " + ended.Reason
	}
	if started.Outcome == OutcomeError {
		res.Outcome = OutcomeError
		res.Reason += "; start: " + started.Reason
	}
	return res
}

func (p *pass) validateAndUpdate(l LocalState, q *Snapshot) Result {
	if q.StreamID != l.StreamID {
		return p.restart(l, q)
	}
	next := LocalState{StreamID: l.StreamID, Category: q.Category, Title: q.Title, ViewerCount: max(l.ViewerCount, q.ViewerCount)}
	if q.Category.ID != l.Category.ID {
		return p.changeCategory(next)
	}
	if next == l {
		return Result{Outcome: OutcomeNoop, Action: ActionNone, Reason: "no change", StreamID: l.StreamID}
	}
	if err := p.e.state.Put(p.ctx, p.ch, next); err != nil {
		return p.fail(ActionUpdate, l.StreamID, err)
	}
	if q.ViewerCount > l.ViewerCount {
		viewers := q.ViewerCount
		if rec, ok, err := p.e.markers.Record(p.ctx, p.ch, l.StreamID); err == nil && ok {
			viewers = max(viewers, rec.Viewers)
		}
		if err := p.e.markers.UpdateRecord(p.ctx, p.ch, l.StreamID, map[string]any{"viewers": viewers}); err != nil {
			return p.fail(ActionUpdate, l.StreamID, err)
		}
	}
	return Result{Outcome: OutcomeOK, Action: ActionUpdate, StreamID: l.StreamID}
}
