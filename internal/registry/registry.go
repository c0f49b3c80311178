package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
	StatusUnknown Status = "unknown"
)

var (
	ErrNotFound      = errors.New("device not found")
	ErrUnknownSocket = errors.New("socket not registered for device")
)

// Socket is the registry's handle on one live device connection. Send and
// Close must be safe to call from any goroutine.
type Socket interface {
	Send(msg any) error
	Close(code int, reason string) error
}

// DeviceInfo is a point-in-time copy of a device entry.
type DeviceInfo struct {
	DeviceID     string    `json:"device_id"`
	MACAddress   string    `json:"mac_address"`
	Status       Status    `json:"status"`
	Connections  int       `json:"connections"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

type device struct {
	id           string
	mac          string
	status       Status
	sockets      map[Socket]struct{}
	connectedAt  time.Time
	lastActivity time.Time
}

// Registry maps device identity to its open sockets. Status is online iff the
// device has at least one socket.
type Registry struct {
	mu        sync.Mutex
	devices   map[string]*device
	retention time.Duration
	fanout    int
	now       func() time.Time
	hook      func(Event)
}

type Option func(*Registry)

// WithRetention sets how long offline entries are kept before the janitor
// evicts them. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.retention = d
		}
	}
}

// WithBroadcastFanout bounds the number of concurrent sends during Broadcast.
func WithBroadcastFanout(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.fanout = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		devices:   make(map[string]*device),
		retention: 24 * time.Hour,
		fanout:    16,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetHook installs a listener for lifecycle events. The hook runs outside the
// registry lock and must not block for long.
func (r *Registry) SetHook(hook func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

// Connect adds sock to the device's socket set. It reports whether the socket
// was newly added.
func (r *Registry) Connect(deviceID, macAddress string, sock Socket) bool {
	if sock == nil {
		panic("registry: nil socket")
	}
	now := r.now()

	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		d = &device{id: deviceID, sockets: make(map[Socket]struct{})}
		r.devices[deviceID] = d
	}
	if _, dup := d.sockets[sock]; dup {
		d.lastActivity = now
		r.mu.Unlock()
		return false
	}
	if len(d.sockets) == 0 {
		d.connectedAt = now
	}
	if macAddress != "" {
		d.mac = macAddress
	}
	d.sockets[sock] = struct{}{}
	d.status = StatusOnline
	d.lastActivity = now
	d.check()
	ev := d.event(EventConnected, now)
	r.mu.Unlock()

	r.emit(ev)
	return true
}

// Disconnect removes a socket after a clean close.
func (r *Registry) Disconnect(deviceID string, sock Socket) error {
	return r.remove(deviceID, sock, StatusOffline, EventDisconnected)
}

// Abort removes a socket whose connection failed. A device left without
// sockets is marked error instead of offline.
func (r *Registry) Abort(deviceID string, sock Socket) error {
	return r.remove(deviceID, sock, StatusError, EventAborted)
}

func (r *Registry) remove(deviceID string, sock Socket, emptied Status, typ EventType) error {
	now := r.now()

	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSocket, deviceID)
	}
	if _, ok := d.sockets[sock]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSocket, deviceID)
	}
	delete(d.sockets, sock)
	if len(d.sockets) == 0 {
		d.status = emptied
	}
	d.lastActivity = now
	d.check()
	ev := d.event(typ, now)
	r.mu.Unlock()

	r.emit(ev)
	return nil
}

// Close sends a close frame with code and reason to every socket of an online
// device concurrently, then removes those sockets. Individual close failures do not stop
// the removal. It returns the number of sockets closed.
func (r *Registry) Close(deviceID string, code int, reason string) (int, error) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok || len(d.sockets) == 0 {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	targets := make([]Socket, 0, len(d.sockets))
	for s := range d.sockets {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	// Each Close may block until queued output drains.
	closeErrs := make([]error, len(targets))
	var g errgroup.Group
	g.SetLimit(r.fanout)
	for i, s := range targets {
		g.Go(func() error {
			closeErrs[i] = s.Close(code, reason)
			return nil
		})
	}
	_ = g.Wait()

	now := r.now()
	r.mu.Lock()
	// The entry may have been evicted and recreated while the lock was released.
	if d, ok = r.devices[deviceID]; ok {
		for _, s := range targets {
			delete(d.sockets, s)
		}
		if len(d.sockets) == 0 {
			d.status = StatusOffline
		}
		d.lastActivity = now
		d.check()
	}
	var ev Event
	if ok {
		ev = d.event(EventClosed, now)
	} else {
		ev = Event{Type: EventClosed, DeviceID: deviceID, Status: StatusUnknown, At: now}
	}
	r.mu.Unlock()

	ev.Code = code
	ev.Reason = reason
	if err := errors.Join(closeErrs...); err != nil {
		ev.Err = err.Error()
	}
	r.emit(ev)
	return len(targets), nil
}

// Touch records activity for a device.
func (r *Registry) Touch(deviceID string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok {
		d.lastActivity = now
	}
}

func (r *Registry) IsOnline(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	return ok && len(d.sockets) > 0
}

func (r *Registry) Status(deviceID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return StatusUnknown
	}
	return d.status
}

func (r *Registry) Device(deviceID string) (DeviceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return DeviceInfo{}, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	return d.info(), nil
}

// Snapshot copies every known device.
func (r *Registry) Snapshot() map[string]DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]DeviceInfo, len(r.devices))
	for id, d := range r.devices {
		out[id] = d.info()
	}
	return out
}

// Devices returns every known device ordered by id.
func (r *Registry) Devices() []DeviceInfo {
	snap := r.Snapshot()
	out := make([]DeviceInfo, 0, len(snap))
	for _, info := range snap {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.devices {
		if len(d.sockets) > 0 {
			n++
		}
	}
	return n
}

// SendFailure records one socket that could not be reached by a broadcast.
type SendFailure struct {
	DeviceID string `json:"device_id"`
	Error    string `json:"error"`
}

type BroadcastReport struct {
	Delivered int           `json:"delivered"`
	Failed    []SendFailure `json:"failed"`
}

// Broadcast sends msg to every socket of every device except exclude. Sends
// run on a snapshot without the lock held; sockets that fail are removed after
// all sends have completed.
func (r *Registry) Broadcast(msg any, exclude string) BroadcastReport {
	type target struct {
		deviceID string
		sock     Socket
	}

	r.mu.Lock()
	var targets []target
	for id, d := range r.devices {
		if id == exclude {
			continue
		}
		for s := range d.sockets {
			targets = append(targets, target{deviceID: id, sock: s})
		}
	}
	r.mu.Unlock()

	errs := make([]error, len(targets))
	var g errgroup.Group
	g.SetLimit(r.fanout)
	for i, t := range targets {
		g.Go(func() error {
			errs[i] = t.sock.Send(msg)
			return nil
		})
	}
	_ = g.Wait()

	report := BroadcastReport{Failed: []SendFailure{}}
	for i, t := range targets {
		if errs[i] == nil {
			report.Delivered++
			continue
		}
		report.Failed = append(report.Failed, SendFailure{DeviceID: t.deviceID, Error: errs[i].Error()})
		// ErrUnknownSocket here means the connection already unwound on its own.
		_ = r.remove(t.deviceID, t.sock, StatusOffline, EventSendFailed)
	}
	return report
}

// StartJanitor evicts entries that have had no sockets for longer than the
// retention period. It stops when ctx is done.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evictStale()
			}
		}
	}()
}

func (r *Registry) evictStale() int {
	if r.retention <= 0 {
		return 0
	}
	now := r.now()
	var evicted []Event

	r.mu.Lock()
	for id, d := range r.devices {
		if len(d.sockets) > 0 {
			continue
		}
		if now.Sub(d.lastActivity) < r.retention {
			continue
		}
		evicted = append(evicted, d.event(EventEvicted, now))
		delete(r.devices, id)
	}
	r.mu.Unlock()

	for _, ev := range evicted {
		r.emit(ev)
	}
	return len(evicted)
}

func (r *Registry) emit(ev Event) {
	r.mu.Lock()
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (d *device) info() DeviceInfo {
	return DeviceInfo{
		DeviceID:     d.id,
		MACAddress:   d.mac,
		Status:       d.status,
		Connections:  len(d.sockets),
		ConnectedAt:  d.connectedAt,
		LastActivity: d.lastActivity,
	}
}

func (d *device) event(typ EventType, at time.Time) Event {
	return Event{
		Type:        typ,
		DeviceID:    d.id,
		MACAddress:  d.mac,
		Status:      d.status,
		Connections: len(d.sockets),
		At:          at,
	}
}

func (d *device) check() {
	if (d.status == StatusOnline) != (len(d.sockets) > 0) {
		panic(fmt.Sprintf("registry: device %s status %s with %d sockets", d.id, d.status, len(d.sockets)))
	}
}
