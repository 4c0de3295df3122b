package knx

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/knxmgmt/internal/knx/bus"
	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// GroupSink receives every group event seen on the bus.
// *api.Hub and *Bridge implement it.
type GroupSink interface {
	GroupEvent(ev bus.GroupEvent)
}

// BusMonitor consumes the session's group telegram queue. It fans each
// telegram out to its sinks and, when given a database, records the
// sending devices and group addresses so they can be listed later.
type BusMonitor struct {
	db     *sql.DB
	done   chan struct{}
	wg     sync.WaitGroup
	logger Logger
	events atomic.Uint64

	// Prepared statements for upserts (created once, reused)
	deviceUpsertStmt *sql.Stmt
	groupUpsertStmt  *sql.Stmt

	mu      sync.RWMutex
	sinks   []GroupSink
	running bool
	nowFunc func() time.Time
}

// SeenDevice is an individual address that sent on the bus.
type SeenDevice struct {
	Address      string    `json:"address"`
	LastSeen     time.Time `json:"last_seen"`
	MessageCount int64     `json:"message_count"`
}

// SeenGroupAddress is a group address that carried traffic.
type SeenGroupAddress struct {
	GroupAddress    string    `json:"group_address"`
	LastSeen        time.Time `json:"last_seen"`
	MessageCount    int64     `json:"message_count"`
	HasReadResponse bool      `json:"has_read_response"`
}

// NewBusMonitor creates a bus monitor. db may be nil, in which case
// nothing is recorded.
func NewBusMonitor(db *sql.DB) *BusMonitor {
	return &BusMonitor{
		db:      db,
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
}

// SetLogger sets the logger for the bus monitor.
func (m *BusMonitor) SetLogger(logger Logger) {
	m.logger = logger
}

// AddSink registers a sink. Sinks must not block.
func (m *BusMonitor) AddSink(s GroupSink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

// Events returns the number of group events delivered to the sinks.
func (m *BusMonitor) Events() uint64 {
	return m.events.Load()
}

// Start begins consuming telegrams until ctx is cancelled or Stop is called.
func (m *BusMonitor) Start(ctx context.Context, telegrams <-chan telegram.Telegram) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("bus monitor already running")
	}
	m.running = true
	m.mu.Unlock()

	if m.db != nil {
		if err := m.prepare(ctx); err != nil {
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return err
		}
	}

	m.wg.Add(1)
	go m.receiveLoop(ctx, telegrams)

	m.log("bus monitor started", "recording", m.db != nil)
	return nil
}

func (m *BusMonitor) prepare(ctx context.Context) error {
	var err error
	m.deviceUpsertStmt, err = m.db.PrepareContext(ctx, `
		INSERT INTO bus_devices (individual_address, last_seen, message_count)
		VALUES (?, ?, 1)
		ON CONFLICT(individual_address) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1
	`)
	if err != nil {
		return fmt.Errorf("preparing device upsert statement: %w", err)
	}

	m.groupUpsertStmt, err = m.db.PrepareContext(ctx, `
		INSERT INTO bus_group_addresses (group_address, last_seen, message_count, has_read_response)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(group_address) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1,
			has_read_response = MAX(has_read_response, excluded.has_read_response)
	`)
	if err != nil {
		m.deviceUpsertStmt.Close()
		m.deviceUpsertStmt = nil
		return fmt.Errorf("preparing group upsert statement: %w", err)
	}
	return nil
}

// Stop gracefully stops the bus monitor.
func (m *BusMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()

	if m.deviceUpsertStmt != nil {
		m.deviceUpsertStmt.Close()
	}
	if m.groupUpsertStmt != nil {
		m.groupUpsertStmt.Close()
	}

	m.log("bus monitor stopped")
}

func (m *BusMonitor) receiveLoop(ctx context.Context, telegrams <-chan telegram.Telegram) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case t, ok := <-telegrams:
			if !ok {
				return
			}
			m.processTelegram(t)
		}
	}
}

// processTelegram records the sender and destination of t and passes it
// to the sinks.
func (m *BusMonitor) processTelegram(t telegram.Telegram) {
	ev, ok := bus.NewGroupEvent(t, m.nowFunc())
	if !ok {
		return
	}
	if !t.Source.IsZero() {
		m.recordDevice(ev.Source)
	}
	m.recordGroupAddress(ev.GroupAddress, ev.Service == bus.ServiceResponse)

	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()
	for _, s := range sinks {
		s.GroupEvent(ev)
	}
	m.events.Add(1)
}

func (m *BusMonitor) recordDevice(addr string) {
	if m.deviceUpsertStmt == nil {
		return
	}
	if _, err := m.deviceUpsertStmt.Exec(addr, m.nowFunc().Unix()); err != nil {
		m.logError("recording device", err)
	}
}

func (m *BusMonitor) recordGroupAddress(addr string, isResponse bool) {
	if m.groupUpsertStmt == nil {
		return
	}

	hasResponse := 0
	if isResponse {
		hasResponse = 1
	}
	if _, err := m.groupUpsertStmt.Exec(addr, m.nowFunc().Unix(), hasResponse); err != nil {
		m.logError("recording group address", err)
	}
}

// SeenDevices returns the most recently active devices.
func (m *BusMonitor) SeenDevices(ctx context.Context, limit int) ([]SeenDevice, error) {
	if m.db == nil {
		return nil, nil
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT individual_address, last_seen, message_count FROM bus_devices
		ORDER BY last_seen DESC, individual_address
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []SeenDevice
	for rows.Next() {
		var d SeenDevice
		var lastSeen int64
		if err := rows.Scan(&d.Address, &lastSeen, &d.MessageCount); err != nil {
			return nil, err
		}
		d.LastSeen = time.Unix(lastSeen, 0).UTC()
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// SeenGroupAddresses returns the most recently active group addresses,
// those that answered a read first.
func (m *BusMonitor) SeenGroupAddresses(ctx context.Context, limit int) ([]SeenGroupAddress, error) {
	if m.db == nil {
		return nil, nil
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT group_address, last_seen, message_count, has_read_response FROM bus_group_addresses
		ORDER BY has_read_response DESC, last_seen DESC, group_address
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []SeenGroupAddress
	for rows.Next() {
		var g SeenGroupAddress
		var lastSeen, hasResponse int64
		if err := rows.Scan(&g.GroupAddress, &lastSeen, &g.MessageCount, &hasResponse); err != nil {
			return nil, err
		}
		g.LastSeen = time.Unix(lastSeen, 0).UTC()
		g.HasReadResponse = hasResponse != 0
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (m *BusMonitor) log(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Info(msg, keysAndValues...)
	}
}

func (m *BusMonitor) logError(msg string, err error) {
	if m.logger != nil {
		m.logger.Error(msg, "error", err)
	}
}
