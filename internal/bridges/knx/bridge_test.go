package knx

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/knxmgmt/internal/commissioning"
	"github.com/nerrad567/knxmgmt/internal/infrastructure/mqtt"
	"github.com/nerrad567/knxmgmt/internal/knx/bus"
	"github.com/nerrad567/knxmgmt/internal/knx/cemi"
	"github.com/nerrad567/knxmgmt/internal/knx/prog"
	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// mockMQTT records publishes and keeps subscribed handlers.
type mockMQTT struct {
	mu        sync.Mutex
	connected bool
	messages  []publishedMessage
	handlers  map[string]mqtt.MessageHandler
	subErr    error
}

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func newMockMQTT(connected bool) *mockMQTT {
	return &mockMQTT{connected: connected, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, publishedMessage{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subErr != nil {
		return m.subErr
	}
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// deliver hands payload to the handler subscribed for the request wildcard.
func (m *mockMQTT) deliver(t *testing.T, topic string, payload string) error {
	t.Helper()
	m.mu.Lock()
	handler := m.handlers[mqtt.Topics{}.AllRequests()]
	m.mu.Unlock()
	if handler == nil {
		t.Fatal("no request handler subscribed")
	}
	return handler(topic, []byte(payload))
}

func (m *mockMQTT) published(prefix string) []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishedMessage
	for _, msg := range m.messages {
		if strings.HasPrefix(msg.topic, prefix) {
			out = append(out, msg)
		}
	}
	return out
}

// waitResponse polls for the response to request id.
func (m *mockMQTT) waitResponse(t *testing.T, id string) ResponseMessage {
	t.Helper()
	topic := mqtt.Topics{}.Response(id)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := m.published(topic); len(msgs) > 0 {
			var resp ResponseMessage
			if err := json.Unmarshal(msgs[0].payload, &resp); err != nil {
				t.Fatalf("unmarshal response: %v", err)
			}
			return resp
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no response published on %s", topic)
	return ResponseMessage{}
}

// stubManager answers procedures without a bus. Procedures block while
// hold is open.
type stubManager struct {
	mu     sync.Mutex
	result prog.Result
	hold   chan struct{}
	modes  []prog.Mode
	err    error
}

func (m *stubManager) wait(ctx context.Context) error {
	m.mu.Lock()
	hold, err := m.hold, m.err
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if hold == nil {
		return nil
	}
	select {
	case <-hold:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *stubManager) ConnectManagedDevice(ctx context.Context, _ telegram.IndividualAddress) (prog.Result, error) {
	if err := m.wait(ctx); err != nil {
		return prog.ResultNotExists, err
	}
	return m.result, nil
}

func (m *stubManager) DisconnectManagedDevice(context.Context) {}

func (m *stubManager) WriteIndividualAddress(ctx context.Context, _ telegram.IndividualAddress) (prog.Result, error) {
	if err := m.wait(ctx); err != nil {
		return prog.ResultTimeOut, err
	}
	return m.result, nil
}

func (m *stubManager) ReadModifyWriteMemoryBit(_ context.Context, _ telegram.IndividualAddress, mode prog.Mode) (prog.Result, error) {
	m.mu.Lock()
	m.modes = append(m.modes, mode)
	m.mu.Unlock()
	return m.result, nil
}

func (m *stubManager) ReadMemory(_ context.Context, _ telegram.IndividualAddress, _ uint16, count uint8) ([]byte, error) {
	return make([]byte, count), nil
}

type stubGroups struct {
	mu     sync.Mutex
	writes []string
	reads  []string
	err    error
}

func (g *stubGroups) WriteGroup(_ context.Context, ga telegram.GroupAddress, _ []byte, _ bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.writes = append(g.writes, ga.String())
	return nil
}

func (g *stubGroups) ReadGroup(_ context.Context, ga telegram.GroupAddress) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reads = append(g.reads, ga.String())
	return nil
}

type stubBus struct {
	counters cemi.Counters
}

func (b *stubBus) OwnAddress() telegram.IndividualAddress {
	return telegram.IndividualAddress{Area: 1, Line: 1, Device: 250}
}

func (b *stubBus) Counters() *cemi.Counters { return &b.counters }

type linkState bool

func (l linkState) IsConnected() bool { return bool(l) }

type bridgeEnv struct {
	bridge  *Bridge
	mqtt    *mockMQTT
	manager *stubManager
	groups  *stubGroups
	runner  *commissioning.Runner
}

func newBridgeEnv(t *testing.T) *bridgeEnv {
	t.Helper()

	manager := &stubManager{result: prog.ResultOK}
	groups := &stubGroups{}
	runner, err := commissioning.NewRunner(commissioning.RunnerOptions{Manager: manager, Groups: groups})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	t.Cleanup(runner.Close)

	client := newMockMQTT(true)
	b, err := NewBridge(BridgeOptions{
		MQTTClient:     client,
		Runner:         runner,
		Bus:            &stubBus{},
		Link:           linkState(true),
		Version:        "test",
		HealthInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)

	return &bridgeEnv{bridge: b, mqtt: client, manager: manager, groups: groups, runner: runner}
}

func TestNewBridge_Validation(t *testing.T) {
	runner, err := commissioning.NewRunner(commissioning.RunnerOptions{Manager: &stubManager{}})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer runner.Close()

	if _, err := NewBridge(BridgeOptions{Runner: runner}); err == nil {
		t.Error("NewBridge without MQTT client should fail")
	}
	if _, err := NewBridge(BridgeOptions{MQTTClient: newMockMQTT(true)}); err == nil {
		t.Error("NewBridge without runner should fail")
	}

	b, err := NewBridge(BridgeOptions{MQTTClient: newMockMQTT(true), Runner: runner})
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	if b.qos != 1 {
		t.Errorf("default qos = %d, want 1", b.qos)
	}
}

func TestBridge_StartSubscribesAndPublishesHealth(t *testing.T) {
	env := newBridgeEnv(t)

	env.mqtt.mu.Lock()
	_, ok := env.mqtt.handlers["knxmgmt/request/+"]
	env.mqtt.mu.Unlock()
	if !ok {
		t.Error("bridge did not subscribe to knxmgmt/request/+")
	}

	health := env.mqtt.published("knxmgmt/health")
	if len(health) == 0 {
		t.Fatal("no health published on start")
	}
	var first HealthMessage
	if err := json.Unmarshal(health[0].payload, &first); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if first.Status != HealthStarting {
		t.Errorf("first status = %q, want %q", first.Status, HealthStarting)
	}
}

func TestBridge_StartSubscribeFailure(t *testing.T) {
	runner, err := commissioning.NewRunner(commissioning.RunnerOptions{Manager: &stubManager{}})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer runner.Close()

	client := newMockMQTT(true)
	client.subErr = errors.New("broker gone")
	b, err := NewBridge(BridgeOptions{MQTTClient: client, Runner: runner})
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	defer b.Stop()

	if err := b.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "broker gone") {
		t.Errorf("Start() error = %v, want subscribe failure", err)
	}
}

func TestBridge_ProbeRequest(t *testing.T) {
	env := newBridgeEnv(t)

	if err := env.mqtt.deliver(t, "knxmgmt/request/req-1", `{"action":"probe","address":"1.1.5","user_id":"installer"}`); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	resp := env.mqtt.waitResponse(t, "req-1")
	if !resp.Success {
		t.Fatalf("Success = false, error = %+v", resp.Error)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want req-1", resp.RequestID)
	}
	if resp.Run == nil || resp.Run.Action != commissioning.ActionProbe || resp.Run.Address != "1.1.5" {
		t.Fatalf("Run = %+v, want probe of 1.1.5", resp.Run)
	}
	if resp.Run.Source != "mqtt" {
		t.Errorf("Source = %q, want mqtt", resp.Run.Source)
	}
	if resp.Run.Result != "ok" {
		t.Errorf("Result = %q, want ok", resp.Run.Result)
	}

	// Start and finish events on the run topic.
	events := env.mqtt.published(mqtt.Topics{}.Run(resp.Run.ID))
	if len(events) != 2 {
		t.Fatalf("run events = %d, want 2", len(events))
	}
	var last commissioning.Run
	if err := json.Unmarshal(events[1].payload, &last); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if last.State != commissioning.StateDone {
		t.Errorf("last event state = %q, want done", last.State)
	}
}

func TestBridge_MemoryBitRequest(t *testing.T) {
	env := newBridgeEnv(t)

	if err := env.mqtt.deliver(t, "knxmgmt/request/mb", `{"action":"memory_bit","address":"1.1.5","mode":"off"}`); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	resp := env.mqtt.waitResponse(t, "mb")
	if !resp.Success {
		t.Fatalf("Success = false, error = %+v", resp.Error)
	}

	env.manager.mu.Lock()
	defer env.manager.mu.Unlock()
	if len(env.manager.modes) != 1 || env.manager.modes[0] != prog.ModeOff {
		t.Errorf("modes = %v, want [off]", env.manager.modes)
	}
}

func TestBridge_ReadMemoryRequest(t *testing.T) {
	env := newBridgeEnv(t)

	if err := env.mqtt.deliver(t, "knxmgmt/request/rm", `{"action":"read_memory","address":"1.1.5","offset":96,"count":2}`); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	resp := env.mqtt.waitResponse(t, "rm")
	if !resp.Success || resp.Run == nil {
		t.Fatalf("response = %+v, want success with run", resp)
	}
	if resp.Run.Data != "0000" {
		t.Errorf("Data = %q, want 0000", resp.Run.Data)
	}
}

func TestBridge_NegativeResultIsCarriedInRun(t *testing.T) {
	env := newBridgeEnv(t)
	env.manager.result = prog.ResultExists

	if err := env.mqtt.deliver(t, "knxmgmt/request/taken", `{"action":"assign_address","address":"1.1.5"}`); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	resp := env.mqtt.waitResponse(t, "taken")
	if !resp.Success {
		t.Fatalf("Success = false, error = %+v", resp.Error)
	}
	if resp.Run == nil || resp.Run.Result != "exists" {
		t.Errorf("Run = %+v, want result exists", resp.Run)
	}
}

func TestBridge_FailedRunReportsRunFailed(t *testing.T) {
	env := newBridgeEnv(t)
	env.manager.mu.Lock()
	env.manager.err = errors.New("no T_Ack")
	env.manager.mu.Unlock()

	if err := env.mqtt.deliver(t, "knxmgmt/request/fail", `{"action":"probe","address":"1.1.5"}`); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	resp := env.mqtt.waitResponse(t, "fail")
	if resp.Success {
		t.Fatal("Success = true, want false")
	}
	if resp.Error == nil || resp.Error.Code != CodeRunFailed || resp.Error.Message != "no T_Ack" {
		t.Errorf("Error = %+v, want run_failed: no T_Ack", resp.Error)
	}
	if resp.Run == nil || resp.Run.State != commissioning.StateFailed {
		t.Errorf("Run = %+v, want failed run", resp.Run)
	}
}

func TestBridge_InvalidRequests(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"unknown action", `{"action":"format_disk","address":"1.1.5"}`},
		{"bad address", `{"action":"probe","address":"16.1.1"}`},
		{"bad mode", `{"action":"memory_bit","address":"1.1.5","mode":"maybe"}`},
		{"zero count", `{"action":"read_memory","address":"1.1.5","count":0}`},
		{"bad group address", `{"action":"group_write","group_address":"1/2","data":"01"}`},
		{"non-hex data", `{"action":"group_write","group_address":"1/2/3","data":"zz"}`},
	}

	env := newBridgeEnv(t)
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "bad-" + string(rune('a'+i))
			if err := env.mqtt.deliver(t, "knxmgmt/request/"+id, tt.payload); err != nil {
				t.Fatalf("handler error: %v", err)
			}
			resp := env.mqtt.waitResponse(t, id)
			if resp.Success {
				t.Fatal("Success = true, want false")
			}
			if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
				t.Errorf("Error = %+v, want %s", resp.Error, CodeInvalidRequest)
			}
		})
	}
}

func TestBridge_MalformedJSON(t *testing.T) {
	env := newBridgeEnv(t)

	err := env.mqtt.deliver(t, "knxmgmt/request/junk", `{not json`)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("handler error = %v, want ErrInvalidPayload", err)
	}
	resp := env.mqtt.waitResponse(t, "junk")
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Errorf("Error = %+v, want invalid_request", resp.Error)
	}
}

func TestBridge_TopicWithoutID(t *testing.T) {
	env := newBridgeEnv(t)

	err := env.mqtt.deliver(t, "knxmgmt/request/", `{"action":"probe","address":"1.1.5"}`)
	if !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("handler error = %v, want ErrInvalidTopic", err)
	}
}

func TestBridge_BusyWhileRunning(t *testing.T) {
	env := newBridgeEnv(t)
	hold := make(chan struct{})
	env.manager.mu.Lock()
	env.manager.hold = hold
	env.manager.mu.Unlock()

	if err := env.mqtt.deliver(t, "knxmgmt/request/first", `{"action":"assign_address","address":"1.1.5"}`); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !env.runner.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := env.mqtt.deliver(t, "knxmgmt/request/second", `{"action":"probe","address":"1.1.6"}`); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	resp := env.mqtt.waitResponse(t, "second")
	if resp.Error == nil || resp.Error.Code != CodeBusy {
		t.Errorf("Error = %+v, want busy", resp.Error)
	}

	close(hold)
	if first := env.mqtt.waitResponse(t, "first"); !first.Success {
		t.Errorf("first request failed: %+v", first.Error)
	}
}

func TestBridge_GroupRequests(t *testing.T) {
	env := newBridgeEnv(t)

	if err := env.mqtt.deliver(t, "knxmgmt/request/gw", `{"action":"group_write","group_address":"1/0/4","data":"01","small":true}`); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp := env.mqtt.waitResponse(t, "gw"); !resp.Success {
		t.Fatalf("group_write failed: %+v", resp.Error)
	}

	if err := env.mqtt.deliver(t, "knxmgmt/request/gr", `{"action":"group_read","group_address":"1/0/4"}`); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp := env.mqtt.waitResponse(t, "gr"); !resp.Success {
		t.Fatalf("group_read failed: %+v", resp.Error)
	}

	env.groups.mu.Lock()
	defer env.groups.mu.Unlock()
	if len(env.groups.writes) != 1 || env.groups.writes[0] != "1/0/4" {
		t.Errorf("writes = %v, want [1/0/4]", env.groups.writes)
	}
	if len(env.groups.reads) != 1 || env.groups.reads[0] != "1/0/4" {
		t.Errorf("reads = %v, want [1/0/4]", env.groups.reads)
	}
}

func TestBridge_GroupWriteBusError(t *testing.T) {
	env := newBridgeEnv(t)
	env.groups.err = errors.New("link down")

	if err := env.mqtt.deliver(t, "knxmgmt/request/gw", `{"action":"group_write","group_address":"1/0/4","data":"01"}`); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	resp := env.mqtt.waitResponse(t, "gw")
	if resp.Error == nil || resp.Error.Code != CodeBusError {
		t.Errorf("Error = %+v, want bus_error", resp.Error)
	}
	if resp.Error != nil && !strings.Contains(resp.Error.Message, "link down") {
		t.Errorf("Message = %q, want link down", resp.Error.Message)
	}
}

func TestBridge_GroupEventPublished(t *testing.T) {
	env := newBridgeEnv(t)

	env.bridge.GroupEvent(bus.GroupEvent{
		GroupAddress: "1/0/4",
		Source:       "1.1.7",
		Service:      bus.ServiceWrite,
		Data:         "01",
	})

	msgs := env.mqtt.published("knxmgmt/bus/group/1/0/4")
	if len(msgs) != 1 {
		t.Fatalf("group messages = %d, want 1", len(msgs))
	}
	if msgs[0].retained {
		t.Error("group events must not be retained")
	}
	var ev bus.GroupEvent
	if err := json.Unmarshal(msgs[0].payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Source != "1.1.7" || ev.Data != "01" {
		t.Errorf("event = %+v", ev)
	}
}

func TestBridge_StopRejectsRequests(t *testing.T) {
	env := newBridgeEnv(t)
	env.bridge.Stop()

	err := env.mqtt.deliver(t, "knxmgmt/request/late", `{"action":"probe","address":"1.1.5"}`)
	if !errors.Is(err, ErrStopped) {
		t.Errorf("handler error = %v, want ErrStopped", err)
	}
	resp := env.mqtt.waitResponse(t, "late")
	if resp.Error == nil || resp.Error.Code != CodeUnavailable {
		t.Errorf("Error = %+v, want unavailable", resp.Error)
	}

	// Nothing is published for group events after Stop.
	env.bridge.GroupEvent(bus.GroupEvent{GroupAddress: "1/0/4", Service: bus.ServiceRead})
	if msgs := env.mqtt.published("knxmgmt/bus/group/"); len(msgs) != 0 {
		t.Errorf("group messages after stop = %d, want 0", len(msgs))
	}

	// Stop publishes a final stopping status.
	health := env.mqtt.published("knxmgmt/health")
	var last HealthMessage
	if err := json.Unmarshal(health[len(health)-1].payload, &last); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if last.Status != HealthStopping {
		t.Errorf("last health status = %q, want stopping", last.Status)
	}
}

func TestBridge_StopCancelsInFlightProcedure(t *testing.T) {
	env := newBridgeEnv(t)
	env.manager.mu.Lock()
	env.manager.hold = make(chan struct{})
	env.manager.mu.Unlock()

	if err := env.mqtt.deliver(t, "knxmgmt/request/slow", `{"action":"assign_address","address":"1.1.5"}`); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !env.runner.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		env.bridge.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a procedure was running")
	}

	resp := env.mqtt.waitResponse(t, "slow")
	if resp.Success {
		t.Error("cancelled procedure reported success")
	}
}
