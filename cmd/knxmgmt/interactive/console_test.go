package interactive

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	knxbridge "github.com/nerrad567/knxmgmt/internal/bridges/knx"
	"github.com/nerrad567/knxmgmt/internal/commissioning"
	"github.com/nerrad567/knxmgmt/internal/knx/cemi"
	"github.com/nerrad567/knxmgmt/internal/knx/prog"
	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

type fakeRunner struct {
	mu       sync.Mutex
	requests []commissioning.Request
	writes   []commissioning.GroupWrite
	reads    []telegram.GroupAddress
	run      commissioning.Run
	err      error
	history  []commissioning.Run
}

func (f *fakeRunner) Run(_ context.Context, req commissioning.Request) (commissioning.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return commissioning.Run{}, f.err
	}
	run := f.run
	run.Action = req.Action
	run.Address = req.Address.String()
	return run, nil
}

func (f *fakeRunner) Runs() []commissioning.Run {
	return f.history
}

func (f *fakeRunner) WriteGroup(_ context.Context, w commissioning.GroupWrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, w)
	return f.err
}

func (f *fakeRunner) ReadGroup(_ context.Context, ga telegram.GroupAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, ga)
	return f.err
}

type fakeDirectory struct {
	devices []knxbridge.SeenDevice
	groups  []knxbridge.SeenGroupAddress
	limit   int
}

func (f *fakeDirectory) SeenDevices(_ context.Context, limit int) ([]knxbridge.SeenDevice, error) {
	f.limit = limit
	return f.devices, nil
}

func (f *fakeDirectory) SeenGroupAddresses(_ context.Context, limit int) ([]knxbridge.SeenGroupAddress, error) {
	f.limit = limit
	return f.groups, nil
}

type fakeBus struct{ counters cemi.Counters }

func (b *fakeBus) OwnAddress() telegram.IndividualAddress {
	return telegram.IndividualAddress{Area: 1, Line: 1, Device: 250}
}

func (b *fakeBus) Counters() *cemi.Counters { return &b.counters }

func newTestConsole(r *fakeRunner) (*Console, *bytes.Buffer) {
	var out bytes.Buffer
	c := newConsole(Options{
		Runner: r,
		Seen:   &fakeDirectory{},
		Bus:    &fakeBus{},
		UserID: "operator",
	}, &out)
	return c, &out
}

func TestNew_RequiresRunner(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestExecute_Probe(t *testing.T) {
	r := &fakeRunner{run: commissioning.Run{State: commissioning.StateDone, Result: "ok", DurationMS: 12}}
	c, out := newTestConsole(r)

	quit := c.Execute(context.Background(), "probe 1.1.5")

	assert.False(t, quit)
	require.Len(t, r.requests, 1)
	req := r.requests[0]
	assert.Equal(t, commissioning.ActionProbe, req.Action)
	assert.Equal(t, "1.1.5", req.Address.String())
	assert.Equal(t, "console", req.Source)
	assert.Equal(t, "operator", req.UserID)
	assert.Contains(t, out.String(), "probe 1.1.5: done result=ok (12ms)")
}

func TestExecute_AssignAndMemoryBit(t *testing.T) {
	r := &fakeRunner{run: commissioning.Run{State: commissioning.StateDone, Result: "ok"}}
	c, _ := newTestConsole(r)

	c.Execute(context.Background(), "assign 1.1.20")
	c.Execute(context.Background(), "mb 1.1.20 off")

	require.Len(t, r.requests, 2)
	assert.Equal(t, commissioning.ActionAssignAddress, r.requests[0].Action)
	assert.Equal(t, commissioning.ActionMemoryBit, r.requests[1].Action)
	assert.Equal(t, prog.ModeOff, r.requests[1].Mode)
}

func TestExecute_ReadMemory(t *testing.T) {
	r := &fakeRunner{run: commissioning.Run{State: commissioning.StateDone, Result: "ok", Data: "8100"}}
	c, out := newTestConsole(r)

	c.Execute(context.Background(), "read 1.1.5 0x60 2")

	require.Len(t, r.requests, 1)
	assert.Equal(t, uint16(0x60), r.requests[0].Offset)
	assert.Equal(t, uint8(2), r.requests[0].Count)
	assert.Contains(t, out.String(), "data=8100")
}

func TestExecute_ReadMemoryDefaultCount(t *testing.T) {
	r := &fakeRunner{run: commissioning.Run{State: commissioning.StateDone}}
	c, _ := newTestConsole(r)

	c.Execute(context.Background(), "read 1.1.5 96")

	require.Len(t, r.requests, 1)
	assert.Equal(t, uint16(96), r.requests[0].Offset)
	assert.Equal(t, uint8(1), r.requests[0].Count)
}

func TestExecute_InvalidArguments(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"probe", "Usage: probe <address>"},
		{"probe 1/0/4", "Invalid address"},
		{"memory-bit 1.1.5 maybe", "Invalid mode"},
		{"read 1.1.5 zz", "Invalid offset"},
		{"read 1.1.5 0 300", "Invalid count"},
		{"write 1/0/4 xyz", "Invalid data"},
		{"write 1.1.5 01", "Invalid group address"},
		{"devices -1", "Invalid limit"},
		{"frobnicate", "Unknown command: frobnicate"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			r := &fakeRunner{}
			c, out := newTestConsole(r)

			c.Execute(context.Background(), tt.line)

			assert.Contains(t, out.String(), tt.want)
			assert.Empty(t, r.requests)
			assert.Empty(t, r.writes)
		})
	}
}

func TestExecute_Busy(t *testing.T) {
	r := &fakeRunner{err: commissioning.ErrBusy}
	c, out := newTestConsole(r)

	c.Execute(context.Background(), "probe 1.1.5")

	assert.Contains(t, out.String(), "Busy")
}

func TestExecute_GroupWrite(t *testing.T) {
	r := &fakeRunner{}
	c, out := newTestConsole(r)

	c.Execute(context.Background(), "write 1/0/4 01 small")

	require.Len(t, r.writes, 1)
	w := r.writes[0]
	assert.Equal(t, "1/0/4", w.Address.String())
	assert.Equal(t, []byte{0x01}, w.Data)
	assert.True(t, w.Small)
	assert.Equal(t, "console", w.Source)
	assert.Contains(t, out.String(), "OK")
}

func TestExecute_GroupWriteFailure(t *testing.T) {
	r := &fakeRunner{err: errors.New("confirmation timeout")}
	c, out := newTestConsole(r)

	c.Execute(context.Background(), "write 1/0/4 0c1a")

	require.Len(t, r.writes, 1)
	assert.False(t, r.writes[0].Small)
	assert.Contains(t, out.String(), "Write failed: confirmation timeout")
}

func TestExecute_GroupRead(t *testing.T) {
	r := &fakeRunner{}
	c, _ := newTestConsole(r)

	c.Execute(context.Background(), "gr 3/1/0")

	require.Len(t, r.reads, 1)
	assert.Equal(t, "3/1/0", r.reads[0].String())
}

func TestExecute_SeenAddresses(t *testing.T) {
	dir := &fakeDirectory{
		devices: []knxbridge.SeenDevice{{Address: "1.1.7", LastSeen: time.Now(), MessageCount: 4}},
		groups:  []knxbridge.SeenGroupAddress{{GroupAddress: "3/1/0", LastSeen: time.Now(), MessageCount: 2, HasReadResponse: true}},
	}
	var out bytes.Buffer
	c := newConsole(Options{Runner: &fakeRunner{}, Seen: dir}, &out)

	c.Execute(context.Background(), "devices")
	assert.Equal(t, defaultListLimit, dir.limit)
	assert.Contains(t, out.String(), "1.1.7")

	c.Execute(context.Background(), "groups 5")
	assert.Equal(t, 5, dir.limit)
	assert.Contains(t, out.String(), "3/1/0")
	assert.Contains(t, out.String(), "yes")
}

func TestExecute_NoDirectory(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(Options{Runner: &fakeRunner{}}, &out)

	c.Execute(context.Background(), "devices")
	c.Execute(context.Background(), "stats")

	assert.Contains(t, out.String(), "Bus directory not available")
	assert.Contains(t, out.String(), "Bus not available")
}

func TestExecute_RunsAndStats(t *testing.T) {
	r := &fakeRunner{history: []commissioning.Run{
		{ID: "run-1", Action: commissioning.ActionProbe, Address: "1.1.5", State: commissioning.StateFailed, Error: "timeout"},
	}}
	c, out := newTestConsole(r)

	c.Execute(context.Background(), "runs")
	c.Execute(context.Background(), "stats")

	assert.Contains(t, out.String(), "run-1  probe 1.1.5: failed")
	assert.Contains(t, out.String(), "Own address:     1.1.250")
}

func TestExecute_Quit(t *testing.T) {
	c, _ := newTestConsole(&fakeRunner{})

	assert.False(t, c.Execute(context.Background(), "   "))
	assert.False(t, c.Execute(context.Background(), "help"))
	assert.True(t, c.Execute(context.Background(), "quit"))
	assert.True(t, c.Execute(context.Background(), "EXIT"))
}
