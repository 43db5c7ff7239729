package protocol

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"maps"
	"runtime/debug"
	"sync"
	"unicode/utf8"

	"wkserver/internal/calendar"
	appLog "wkserver/internal/log"
	"wkserver/internal/metrics"
	"wkserver/internal/model"
)

// Engine is the part of calendar.Engine a dispatcher depends on.
type Engine interface {
	RegisterCallback(sub calendar.Subscriber)
	RemoveCallback(sub calendar.Subscriber)
	Updates() []model.CalendarUpdate
	Calendars() []calendar.Snapshot
}

// Conn is the transport side of one client connection.
type Conn interface {
	ID() string
	// Send queues p for this connection only.
	Send(p Packet) error
	// Broadcast queues p for every open connection, this one included.
	Broadcast(p Packet) error
}

// Handler executes one remote function. args is the raw "arguments" value.
type Handler func(d *Dispatcher, args json.RawMessage) (any, error)

func defaultHandlers() map[string]Handler {
	return map[string]Handler{
		"HelloServer":  helloServer,
		"GetCalendars": getCalendars,
	}
}

func helloServer(_ *Dispatcher, _ json.RawMessage) (any, error) {
	return "Hello Client", nil
}

func getCalendars(d *Dispatcher, _ json.RawMessage) (any, error) {
	return d.engine.Calendars(), nil
}

// Dispatcher handles the calls of one connection and forwards calendar
// updates to it. It implements calendar.Subscriber.
type Dispatcher struct {
	engine   Engine
	conn     Conn
	apiKey   string
	handlers map[string]Handler

	mu         sync.Mutex
	subscribed bool

	// notifyMu orders the initial state after registration before any
	// update the poll loop delivers.
	notifyMu sync.Mutex
}

func NewDispatcher(engine Engine, conn Conn, apiKey string) *Dispatcher {
	return &Dispatcher{
		engine:   engine,
		conn:     conn,
		apiKey:   apiKey,
		handlers: defaultHandlers(),
	}
}

// Handle registers or replaces the handler for fncname on this dispatcher.
func (d *Dispatcher) Handle(fncname string, h Handler) {
	d.handlers = maps.Clone(d.handlers)
	d.handlers[fncname] = h
}

// OnConnect subscribes the connection to calendar updates and sends it the
// last known state of every calendar, so a new client does not wait for
// the next poll cycle.
func (d *Dispatcher) OnConnect() {
	d.mu.Lock()
	if d.subscribed {
		d.mu.Unlock()
		return
	}
	d.subscribed = true
	d.mu.Unlock()

	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	d.engine.RegisterCallback(d)
	appLog.Debug("protocol: client subscribed", "conn", d.conn.ID())

	for _, u := range d.engine.Updates() {
		if err := d.notify(u); err != nil {
			appLog.Warn("protocol: initial calendar state not sent", "conn", d.conn.ID(), "calendar", u.Name, "err", err)
			return
		}
	}
}

// OnDisconnect drops the subscription. Calling it again does nothing.
func (d *Dispatcher) OnDisconnect() {
	d.mu.Lock()
	if !d.subscribed {
		d.mu.Unlock()
		return
	}
	d.subscribed = false
	d.mu.Unlock()

	d.engine.RemoveCallback(d)
	appLog.Debug("protocol: client unsubscribed", "conn", d.conn.ID())
}

// OnCalendarUpdate sends update to this connection as a notification.
func (d *Dispatcher) OnCalendarUpdate(update model.CalendarUpdate) error {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()
	return d.notify(update)
}

func (d *Dispatcher) notify(update model.CalendarUpdate) error {
	return d.conn.Send(Packet{
		Method:    MethodNotification,
		FncName:   CalendarUpdateFncName,
		FncSig:    CalendarUpdateFncSig,
		Arguments: update,
	})
}

// OnInboundPacket validates, authenticates and executes one inbound call.
// It returns false when the call was rejected. Rejected calls never produce
// a response.
func (d *Dispatcher) OnInboundPacket(raw []byte) bool {
	call, err := DecodeCall(raw)
	if err != nil {
		metrics.Calls.WithLabelValues(metrics.CallMalformed).Inc()
		appLog.Warn("protocol: malformed packet received, call ignored", "conn", d.conn.ID(), "err", err)
		appLog.Debug("protocol: malformed packet", "packet", truncate(string(raw), 200))
		return false
	}

	appLog.Debug("protocol: call received",
		"conn", d.conn.ID(),
		"method", call.Method,
		"fncname", call.FncName,
		"fncsig", call.FncSig,
		"arguments", truncate(string(call.Arguments), 200),
	)

	if subtle.ConstantTimeCompare([]byte(call.Key), []byte(d.apiKey)) != 1 {
		metrics.Calls.WithLabelValues(metrics.CallAuth).Inc()
		appLog.Error("protocol: invalid api key, check the client configuration", ErrAuth,
			"conn", d.conn.ID(), "received", call.Key, "expected", d.apiKey)
		return false
	}

	if !knownMethod(call.Method) {
		metrics.Calls.WithLabelValues(metrics.CallMethod).Inc()
		appLog.Warn("protocol: unknown call method, call ignored", "conn", d.conn.ID(), "method", call.Method)
		return false
	}

	if err := d.dispatch(call); err != nil {
		metrics.Calls.WithLabelValues(metrics.CallFailed).Inc()
		appLog.Error("protocol: call failed", err, "conn", d.conn.ID(), "fncname", call.FncName)
		return false
	}
	metrics.Calls.WithLabelValues(metrics.CallOK).Inc()
	return true
}

func (d *Dispatcher) dispatch(call Call) error {
	h, ok := d.handlers[call.FncName]
	if !ok {
		appLog.Warn("protocol: unknown function, call ignored", "conn", d.conn.ID(), "fncname", call.FncName)
		return nil
	}

	result, err := safeHandle(h, d, call.Arguments)
	if err != nil {
		return err
	}

	reply := Packet{
		FncName:   call.FncName,
		FncSig:    call.FncSig,
		Arguments: result,
		Pass:      call.Pass,
	}
	switch call.Method {
	case MethodRequest:
		reply.Method = MethodResponse
		return d.conn.Send(reply)
	case MethodBroadcast:
		reply.Method = MethodBroadcast
		return d.conn.Broadcast(reply)
	}
	return nil
}

// safeHandle runs h and turns a panic into an error carrying the stack.
func safeHandle(h Handler, d *Dispatcher, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("protocol: handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(d, args)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
