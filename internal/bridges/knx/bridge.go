package knx

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/knxmgmt/internal/audit"
	"github.com/nerrad567/knxmgmt/internal/commissioning"
	"github.com/nerrad567/knxmgmt/internal/infrastructure/mqtt"
	"github.com/nerrad567/knxmgmt/internal/knx/bus"
	"github.com/nerrad567/knxmgmt/internal/knx/cemi"
	"github.com/nerrad567/knxmgmt/internal/knx/prog"
	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// groupTimeout bounds a group telegram sent on behalf of a request.
const groupTimeout = 5 * time.Second

// Bridge exposes the commissioning runner over MQTT. It handles:
//   - Requests on knxmgmt/request/{id}, answered on knxmgmt/response/{id}
//   - Run progress on knxmgmt/run/{run_id}
//   - Group telegrams from the bus monitor on knxmgmt/bus/group/...
//   - The retained health document
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt    MQTTClient
	runner  *commissioning.Runner
	monitor *BusMonitor
	health  *HealthReporter
	qos     byte

	// Shutdown coordination
	mu        sync.Mutex
	stopped   bool
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// BusInfo describes the local end of the link. *bus.Session implements it.
type BusInfo interface {
	OwnAddress() telegram.IndividualAddress
	Counters() *cemi.Counters
}

// LinkStatus reports the tunnel state. *tunnel.Client implements it.
type LinkStatus interface {
	IsConnected() bool
}

// Logger is satisfied by *logging.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// MQTTClient is the broker connection. Required.
	MQTTClient MQTTClient

	// Runner executes requests. Required.
	Runner *commissioning.Runner

	// Monitor supplies group events. Optional.
	Monitor *BusMonitor

	// Bus and Link feed the health document. Optional.
	Bus  BusInfo
	Link LinkStatus

	Version        string
	HealthInterval time.Duration

	// QoS for responses and events. Default 1.
	QoS byte

	Logger Logger
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	qos := opts.QoS
	if qos == 0 {
		qos = 1
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		mqtt:      opts.MQTTClient,
		runner:    opts.Runner,
		monitor:   opts.Monitor,
		qos:       qos,
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Bus:       opts.Bus,
		Link:      opts.Link,
		Runner:    opts.Runner,
		Monitor:   opts.Monitor,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to request topics, registers for run and group events,
// and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	topic := mqtt.Topics{}.AllRequests()
	if err := b.mqtt.Subscribe(topic, b.qos, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", topic)

	b.runner.AddSink(b)
	if b.monitor != nil {
		b.monitor.AddSink(b)
	}

	b.health.Start(ctx)

	b.logInfo("bridge started")
	return nil
}

// Stop cancels in-flight requests, publishes the stopping status and waits
// for request goroutines to finish.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()

		b.ctxCancel()
		b.health.Stop()
		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// handleMQTTMessage decodes a request and executes it in the background;
// procedures can wait minutes for a programming button.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	id, ok := mqtt.RequestID(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}

	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.publishResponse(newErrorResponse(id, CodeInvalidRequest, "payload is not a JSON request"))
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.publishResponse(newErrorResponse(id, CodeUnavailable, "bridge stopped"))
		return ErrStopped
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.publishResponse(b.execute(b.ctx, id, req))
	}()
	return nil
}

// execute runs req and builds its response.
func (b *Bridge) execute(ctx context.Context, id string, req RequestMessage) ResponseMessage {
	b.logDebug("request received", "request_id", id, "action", req.Action)

	switch req.Action {
	case ActionGroupWrite, ActionGroupRead:
		if err := b.executeGroup(ctx, req); err != nil {
			return newErrorResponse(id, errorCode(err, CodeBusError), err.Error())
		}
		return ResponseMessage{RequestID: id, Timestamp: time.Now().UTC(), Success: true}
	}

	procedure, err := req.procedure()
	if err != nil {
		return newErrorResponse(id, CodeInvalidRequest, err.Error())
	}
	run, err := b.runner.Run(ctx, procedure)
	if err != nil {
		return newErrorResponse(id, errorCode(err, CodeInternal), err.Error())
	}

	resp := ResponseMessage{
		RequestID: id,
		Timestamp: time.Now().UTC(),
		Success:   run.State == commissioning.StateDone,
		Run:       &run,
	}
	if !resp.Success {
		resp.Error = &ResponseError{Code: CodeRunFailed, Message: run.Error}
	}
	return resp
}

func (b *Bridge) executeGroup(ctx context.Context, req RequestMessage) error {
	ga, err := telegram.ParseGroupAddress(req.GroupAddress)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	ctx, cancel := context.WithTimeout(ctx, groupTimeout)
	defer cancel()

	if req.Action == ActionGroupRead {
		return b.runner.ReadGroup(ctx, ga)
	}

	data, err := hex.DecodeString(req.Data)
	if err != nil {
		return fmt.Errorf("%w: data must be hex", ErrInvalidPayload)
	}
	return b.runner.WriteGroup(ctx, commissioning.GroupWrite{
		Address: ga,
		Data:    data,
		Small:   req.Small,
		Source:  audit.SourceMQTT,
		UserID:  req.UserID,
	})
}

// procedure converts a commissioning request message.
func (req RequestMessage) procedure() (commissioning.Request, error) {
	action, err := commissioning.ParseAction(req.Action)
	if err != nil {
		return commissioning.Request{}, err
	}
	addr, err := telegram.ParseIndividualAddress(req.Address)
	if err != nil {
		return commissioning.Request{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	out := commissioning.Request{
		Action:  action,
		Address: addr,
		Offset:  req.Offset,
		Count:   req.Count,
		Source:  audit.SourceMQTT,
		UserID:  req.UserID,
	}
	if action == commissioning.ActionMemoryBit {
		if out.Mode, err = prog.ParseMode(req.Mode); err != nil {
			return commissioning.Request{}, err
		}
	}
	return out, nil
}

// errorCode classifies err; fallback is used for anything unrecognised.
func errorCode(err error, fallback string) string {
	switch {
	case errors.Is(err, commissioning.ErrBusy):
		return CodeBusy
	case errors.Is(err, commissioning.ErrInvalidRequest), errors.Is(err, ErrInvalidPayload),
		errors.Is(err, prog.ErrInvalidMode), errors.Is(err, cemi.ErrConversion):
		return CodeInvalidRequest
	case errors.Is(err, commissioning.ErrClosed), errors.Is(err, bus.ErrClosed):
		return CodeUnavailable
	default:
		return fallback
	}
}

func (b *Bridge) publishResponse(resp ResponseMessage) {
	b.publishJSON(mqtt.Topics{}.Response(resp.RequestID), resp)
}

// RunUpdated publishes run progress.
func (b *Bridge) RunUpdated(run commissioning.Run) {
	if b.isStopped() {
		return
	}
	b.publishJSON(mqtt.Topics{}.Run(run.ID), run)
}

// GroupEvent publishes a group telegram on its group topic.
func (b *Bridge) GroupEvent(ev bus.GroupEvent) {
	if b.isStopped() {
		return
	}
	ga, err := telegram.ParseGroupAddress(ev.GroupAddress)
	if err != nil {
		b.logError("unpublishable group event", err)
		return
	}
	b.publishJSON(mqtt.Topics{}.Group(ga), ev)
}

func (b *Bridge) publishJSON(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("marshal message", err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, b.qos, false); err != nil {
		b.logError("publish failed", fmt.Errorf("%s: %w", topic, err))
	}
}

func (b *Bridge) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
