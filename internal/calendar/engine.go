// Package calendar keeps the configured calendars in sync with a remote
// calendar server and fans the results out to subscribers.
//
// The Engine owns one background goroutine (started by Run, joined by Stop)
// that polls the remote source and delivers one CalendarUpdate per calendar
// per cycle. Everything else (subscription changes, status reads) may happen
// concurrently from connection goroutines.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wkserver/internal/ics"
	appLog "wkserver/internal/log"
	"wkserver/internal/metrics"
	"wkserver/internal/model"
)

// ErrAlreadyRunning is returned by Run when the poll loop is not stopped.
var ErrAlreadyRunning = errors.New("calendar: engine already running")

// Source is the remote calendar server.
type Source interface {
	ListCalendars(ctx context.Context) ([]model.RemoteCalendar, error)
	SearchEvents(ctx context.Context, handle string, start, end time.Time) ([]model.RawEvent, error)
}

// State is the lifecycle state of the poll loop.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options tunes the engine.
type Options struct {
	// Interval is the wait before each calendar's delivery within a cycle.
	// A full cycle therefore takes roughly Interval times the number of
	// calendars.
	Interval time.Duration

	// QueryTimeout bounds each remote call. Zero disables the bound, in
	// which case an unresponsive server stalls the loop until Stop.
	QueryTimeout time.Duration

	// Location anchors the poll window at local midnight. If nil,
	// time.Local is used.
	Location *time.Location

	// Now returns the current time. If nil, time.Now is used.
	Now func() time.Time
}

type Engine struct {
	source     Source
	normalizer *ics.Normalizer
	registry   *Registry
	subs       Subscribers
	opts       Options

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}
}

func NewEngine(source Source, normalizer *ics.Normalizer, registry *Registry, opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		source:     source,
		normalizer: normalizer,
		registry:   registry,
		opts:       opts,
	}
}

// Registry exposes the calendars the engine manages.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Connect binds every configured calendar to the first remote calendar with
// the same name. It reports false without touching any binding when the
// server lists no calendars at all. Calendars without a match keep their
// previous binding, if any. Connect may be called repeatedly.
func (e *Engine) Connect(ctx context.Context) (bool, error) {
	ctx, cancel := e.queryContext(ctx)
	defer cancel()

	remotes, err := e.source.ListCalendars(ctx)
	if err != nil {
		return false, fmt.Errorf("calendar: list remote calendars: %w", err)
	}
	if len(remotes) == 0 {
		appLog.Warn("calendar: remote server lists no calendars")
		return false, nil
	}

	unbound := 0
	for _, cal := range e.registry.List() {
		matched := false
		for _, rc := range remotes {
			if rc.Name == cal.RemoteName {
				cal.bind(rc.Handle)
				matched = true
				break
			}
		}
		if matched {
			appLog.Debug("calendar bound", "calendar", cal.Name, "remote_name", cal.RemoteName)
			continue
		}
		if _, ok := cal.Handle(); !ok {
			unbound++
		}
		appLog.Warn("calendar: no remote calendar matches", "calendar", cal.Name, "remote_name", cal.RemoteName)
	}
	metrics.UnboundCalendars.Set(float64(unbound))
	return true, nil
}

// PollOnce queries every bound calendar for events in [start, end] and
// replaces its event list with the normalized result. Unbound calendars are
// skipped. A failing query leaves that calendar's previous events in place
// and does not stop the other calendars from being polled; the failures are
// returned joined.
func (e *Engine) PollOnce(ctx context.Context, start, end time.Time) error {
	began := time.Now()
	defer func() { metrics.PollDuration.Observe(time.Since(began).Seconds()) }()

	window := model.Range{Start: start, End: end}
	var errs []error
	unbound := 0

	for _, cal := range e.registry.List() {
		handle, ok := cal.Handle()
		if !ok {
			unbound++
			appLog.Debug("calendar: skipping unbound calendar", "calendar", cal.Name, "remote_name", cal.RemoteName)
			continue
		}

		events, err := e.pollCalendar(ctx, cal, handle, window)
		if err != nil {
			metrics.PollErrors.WithLabelValues(cal.Name).Inc()
			appLog.Error("calendar: remote query failed", err, "calendar", cal.Name)
			errs = append(errs, fmt.Errorf("calendar %s: %w", cal.Name, err))
			continue
		}
		cal.replaceEvents(events, window)
		metrics.CalendarEvents.WithLabelValues(cal.Name).Set(float64(len(events)))
	}

	metrics.UnboundCalendars.Set(float64(unbound))
	return errors.Join(errs...)
}

func (e *Engine) pollCalendar(ctx context.Context, cal *Calendar, handle string, window model.Range) ([]model.Event, error) {
	qctx, cancel := e.queryContext(ctx)
	raws, err := e.source.SearchEvents(qctx, handle, window.Start, window.End)
	cancel()
	if err != nil {
		return nil, err
	}

	events := make([]model.Event, 0, len(raws))
	for _, raw := range raws {
		res, err := e.normalizer.Normalize(raw.Data, window)
		if err != nil {
			metrics.MalformedEvents.Inc()
			appLog.Warn("calendar: skipping undecodable event", "calendar", cal.Name, "path", raw.Path, "err", err)
			continue
		}
		if res.Skipped > 0 {
			metrics.MalformedEvents.Add(float64(res.Skipped))
		}
		events = append(events, res.Events...)
	}
	return events, nil
}

func (e *Engine) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.QueryTimeout > 0 {
		return context.WithTimeout(ctx, e.opts.QueryTimeout)
	}
	return context.WithCancel(ctx)
}

// Run starts the poll loop in a background goroutine. It fails only if the
// loop is already running or still stopping.
func (e *Engine) Run() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStopped {
		return ErrAlreadyRunning
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.state = StateRunning
	go e.loop(e.stop, e.done)
	appLog.Info("calendar: poll loop started", "interval", e.opts.Interval.String(), "calendars", e.registry.Len())
	return nil
}

// Stop signals the poll loop and waits until it has exited. Calling Stop
// while the loop is not running only logs.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != StateRunning {
		state := e.state
		e.mu.Unlock()
		appLog.Warn("calendar: stop requested but poll loop is not running", "state", state.String())
		return
	}
	e.state = StateStopping
	close(e.stop)
	done := e.done
	e.mu.Unlock()

	<-done

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	appLog.Info("calendar: poll loop stopped")
}

// State reports the lifecycle state of the poll loop.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// Stop also aborts a remote query that is in flight.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		window := PollWindow(e.opts.Now(), e.opts.Location)
		appLog.Debug("calendar: poll cycle", "start", window.Start.Format(time.RFC3339), "end", window.End.Format(time.RFC3339))
		if err := e.PollOnce(ctx, window.Start, window.End); err != nil {
			appLog.Error("calendar: poll cycle incomplete", err)
		}

		calendars := e.registry.List()
		if len(calendars) == 0 && !e.wait(stop) {
			return
		}
		for _, cal := range calendars {
			if !e.wait(stop) {
				return
			}
			e.deliver(cal.update(window))
		}
		metrics.PollCycles.Inc()
	}
}

// wait sleeps for the configured interval. It returns false as soon as
// stop is closed.
func (e *Engine) wait(stop <-chan struct{}) bool {
	if e.opts.Interval <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(e.opts.Interval)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// deliver hands update to every current subscriber. A failing subscriber is
// logged and skipped.
func (e *Engine) deliver(update model.CalendarUpdate) {
	for _, sub := range e.subs.Snapshot() {
		if err := safeDeliver(sub, update); err != nil {
			metrics.SubscriberFailures.Inc()
			appLog.Error("calendar: subscriber failed", err, "calendar", update.Name)
		}
	}
}

// RegisterCallback adds sub to the subscriber set. Registering the same
// subscriber twice has no effect.
func (e *Engine) RegisterCallback(sub Subscriber) {
	if !e.subs.Add(sub) {
		appLog.Debug("calendar: subscriber already registered")
		return
	}
	metrics.Subscribers.Set(float64(e.subs.Len()))
}

// RemoveCallback removes sub from the subscriber set. Removing a subscriber
// that is not registered logs a warning and does nothing else.
func (e *Engine) RemoveCallback(sub Subscriber) {
	if !e.subs.Remove(sub) {
		appLog.Warn("calendar: removing a subscriber that is not registered")
		return
	}
	metrics.Subscribers.Set(float64(e.subs.Len()))
}

// SubscriberCount reports the number of registered subscribers.
func (e *Engine) SubscriberCount() int {
	return e.subs.Len()
}

// Calendars returns a status view of every calendar in registry order.
func (e *Engine) Calendars() []Snapshot {
	out := make([]Snapshot, 0, e.registry.Len())
	for _, cal := range e.registry.List() {
		out = append(out, cal.snapshot())
	}
	return out
}

// Updates returns the current state of every calendar that has been polled
// at least once, in the shape delivered to subscribers.
func (e *Engine) Updates() []model.CalendarUpdate {
	out := make([]model.CalendarUpdate, 0, e.registry.Len())
	for _, cal := range e.registry.List() {
		if u, ok := cal.lastUpdate(); ok {
			out = append(out, u)
		}
	}
	return out
}
