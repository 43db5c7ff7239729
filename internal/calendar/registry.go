package calendar

import (
	"errors"
	"fmt"
	"sync"

	"wkserver/internal/model"
)

// Definition is the configured part of a calendar.
type Definition struct {
	Name       string
	Kind       model.Kind
	RemoteName string
}

// Calendar is a configured calendar together with its remote binding and
// the events retrieved in the last successful poll.
type Calendar struct {
	Name       string
	Kind       model.Kind
	RemoteName string

	mu     sync.RWMutex
	handle string
	bound  bool
	events []model.Event
	window model.Range
	polled bool
}

// Handle returns the bound remote handle. ok is false until Connect has
// matched the calendar to a remote calendar.
func (c *Calendar) Handle() (handle string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle, c.bound
}

// Events returns the current event list. The slice is replaced, never
// modified, by later polls; callers must not modify it either.
func (c *Calendar) Events() []model.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.events
}

func (c *Calendar) bind(handle string) {
	c.mu.Lock()
	c.handle = handle
	c.bound = true
	c.mu.Unlock()
}

func (c *Calendar) replaceEvents(events []model.Event, window model.Range) {
	c.mu.Lock()
	c.events = events
	c.window = window
	c.polled = true
	c.mu.Unlock()
}

// update builds the payload for subscribers from the last successful poll,
// so a calendar whose latest query failed keeps reporting the window its
// events were fetched for. A calendar never polled reports no events for
// fallback. The events slice is shared with the calendar, which is fine
// because published slices are immutable.
func (c *Calendar) update(fallback model.Range) model.CalendarUpdate {
	if u, ok := c.lastUpdate(); ok {
		return u
	}
	return model.CalendarUpdate{
		Name:      c.Name,
		IsHoliday: c.Kind == model.KindHoliday,
		Range:     fallback,
	}
}

// lastUpdate returns the result of the last successful poll.
func (c *Calendar) lastUpdate() (model.CalendarUpdate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.polled {
		return model.CalendarUpdate{}, false
	}
	return model.CalendarUpdate{
		Name:      c.Name,
		Events:    c.events,
		IsHoliday: c.Kind == model.KindHoliday,
		Range:     c.window,
	}, true
}

// Snapshot is a read-only view of one calendar for status queries.
type Snapshot struct {
	Name       string        `json:"name"`
	Kind       model.Kind    `json:"type"`
	RemoteName string        `json:"remoteName"`
	Bound      bool          `json:"bound"`
	EventCount int           `json:"eventCount"`
	Range      *model.Range  `json:"range,omitempty"`
	Events     []model.Event `json:"events"`
}

func (c *Calendar) snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{
		Name:       c.Name,
		Kind:       c.Kind,
		RemoteName: c.RemoteName,
		Bound:      c.bound,
		EventCount: len(c.events),
		Events:     c.events,
	}
	if s.Events == nil {
		s.Events = []model.Event{}
	}
	if c.polled {
		w := c.window
		s.Range = &w
	}
	return s
}

// Registry is the fixed, ordered set of configured calendars. The set
// itself never changes after construction; each Calendar guards its own
// mutable state.
type Registry struct {
	calendars []*Calendar
	byName    map[string]*Calendar
}

// NewRegistry builds a registry in definition order. Names must be unique
// and non-empty.
func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{
		calendars: make([]*Calendar, 0, len(defs)),
		byName:    make(map[string]*Calendar, len(defs)),
	}
	for _, d := range defs {
		if d.Name == "" {
			return nil, errors.New("calendar: empty calendar name")
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("calendar: duplicate calendar name %q", d.Name)
		}
		kind := d.Kind
		if kind == "" {
			kind = model.KindUser
		}
		c := &Calendar{Name: d.Name, Kind: kind, RemoteName: d.RemoteName}
		r.calendars = append(r.calendars, c)
		r.byName[d.Name] = c
	}
	return r, nil
}

// List returns the calendars in registry order.
func (r *Registry) List() []*Calendar {
	return r.calendars
}

// Get looks a calendar up by name.
func (r *Registry) Get(name string) (*Calendar, bool) {
	c, ok := r.byName[name]
	return c, ok
}

func (r *Registry) Len() int {
	return len(r.calendars)
}
