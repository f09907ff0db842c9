package station

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chargefleet/fleetsim/internal/connection"
	v16 "github.com/chargefleet/fleetsim/internal/ocpp/v16"
)

// ConnectorSnapshot is the persisted view of a connector ledger.
type ConnectorSnapshot struct {
	Status             v16.ChargePointStatus
	Availability       Availability
	EnergyRegisterWh   float64
	TransactionStarted bool
	TransactionID      int
	IdTag              string
}

// Persistence stores connector state best-effort; failures are logged and
// never propagate to the protocol.
type Persistence interface {
	SaveConnectorState(stationID string, connectorID int, snapshot ConnectorSnapshot) error
	LoadConnectorState(stationID string, connectorID int) (ConnectorSnapshot, bool, error)
}

// EventSink receives station lifecycle events for the supervisor channel.
type EventSink interface {
	StationStarted(stationID string)
	StationStopped(stationID string)
	StationUpdated(stationID string)
}

// RuntimeConfig holds the launcher-owned settings of one station task.
type RuntimeConfig struct {
	SupervisionURL string
	RequestTimeout time.Duration
	Debug          bool
}

// Runtime drives one simulated station: the CSMS connection, the boot and
// heartbeat loops, periodic meter values and inbound command dispatch.
// Each station runs its own task and shares nothing mutable with others.
type Runtime struct {
	station       *Station
	gate          *FeatureGate
	coordinator   *Coordinator
	smartCharging *SmartCharging
	client        *connection.Client
	cfg           RuntimeConfig
	logger        *slog.Logger

	persistence Persistence
	events      EventSink

	mu            sync.Mutex
	heartbeatStop chan struct{}
	meterStops    map[int]chan struct{}
	started       bool
}

// NewRuntime assembles the engine components for one station.
func NewRuntime(st *Station, cfg RuntimeConfig, persistence Persistence, events EventSink, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stationId", st.ID())

	gate := NewFeatureGate(logger)

	r := &Runtime{
		station:       st,
		gate:          gate,
		coordinator:   NewCoordinator(st, logger),
		smartCharging: NewSmartCharging(st, logger),
		cfg:           cfg,
		logger:        logger,
		persistence:   persistence,
		events:        events,
		meterStops:    make(map[int]chan struct{}),
	}

	r.client = connection.NewClient(connection.Config{
		URL:            cfg.SupervisionURL,
		StationID:      st.ID(),
		RequestTimeout: cfg.RequestTimeout,
	}, r.handleCall, logger)

	r.coordinator.SendAuthorize = r.sendAuthorize
	r.coordinator.SendStartTransaction = r.sendStartTransaction
	r.coordinator.SendStopTransaction = r.sendStopTransaction
	r.coordinator.SendStatusNotification = r.sendStatusNotification
	r.coordinator.OnTransactionStarted = r.onTransactionStarted
	r.coordinator.OnTransactionStopped = r.onTransactionStopped

	return r
}

// Station returns the runtime's station.
func (r *Runtime) Station() *Station { return r.station }

// SetFrameLog installs an observer for every OCPP frame the station sends
// or receives.
func (r *Runtime) SetFrameLog(log func(stationID, direction string, data []byte)) {
	if log == nil {
		r.client.OnFrame = nil
		return
	}
	r.client.OnFrame = func(direction string, data []byte) {
		log(r.station.ID(), direction, data)
	}
}

// Coordinator returns the session coordinator.
func (r *Runtime) Coordinator() *Coordinator { return r.coordinator }

// Start connects to the CSMS, restores persisted connector state and runs
// the boot sequence.
func (r *Runtime) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("station %s already started", r.station.ID())
	}
	r.started = true
	r.mu.Unlock()

	r.restoreConnectorState()

	if err := r.client.Connect(); err != nil {
		return fmt.Errorf("station %s: %w", r.station.ID(), err)
	}

	if err := r.bootSequence(); err != nil {
		r.client.Close()
		return err
	}

	if r.events != nil {
		r.events.StationStarted(r.station.ID())
	}

	return nil
}

// Stop ends running transactions, stops the periodic loops and closes the
// connection; pending requests fail with a connection-closed error.
func (r *Runtime) Stop() {
	for _, conn := range r.station.Connectors() {
		if conn.TransactionStarted() {
			if _, err := r.coordinator.StopTransactionOnConnector(conn.ID(), v16.ReasonReboot); err != nil {
				r.logger.Error("Failed to stop transaction during shutdown",
					"connectorId", conn.ID(),
					"error", err,
				)
			}
		}
	}

	r.mu.Lock()
	if r.heartbeatStop != nil {
		close(r.heartbeatStop)
		r.heartbeatStop = nil
	}
	for id, stop := range r.meterStops {
		close(stop)
		delete(r.meterStops, id)
	}
	r.started = false
	r.mu.Unlock()

	r.client.Close()

	if r.events != nil {
		r.events.StationStopped(r.station.ID())
	}
}

// bootSequence sends BootNotification until accepted, then advertises
// every connector status.
func (r *Runtime) bootSequence() error {
	tpl := r.station.Template()

	resp, err := r.sendBootNotification()
	if err != nil {
		return fmt.Errorf("boot notification: %w", err)
	}

	interval := resp.Interval
	if interval <= 0 {
		interval = tpl.HeartbeatInterval
	}
	if interval <= 0 {
		interval = 60
	}

	if resp.Status != v16.RegistrationStatusAccepted {
		r.logger.Warn("Registration not accepted, retrying after interval",
			"status", resp.Status,
			"interval", interval,
		)
		r.scheduleBootRetry(time.Duration(interval) * time.Second)
		return nil
	}

	r.startHeartbeat(time.Duration(interval) * time.Second)

	for id := 0; id <= r.station.NumberOfConnectors(); id++ {
		conn := r.station.Connector(id)
		r.sendStatusNotification(id, conn.Status(), v16.ChargePointErrorNoError, "")
	}

	return nil
}

func (r *Runtime) scheduleBootRetry(after time.Duration) {
	go func() {
		time.Sleep(after)
		if !r.client.IsConnected() {
			return
		}
		if err := r.bootSequence(); err != nil {
			r.logger.Error("Boot retry failed", "error", err)
		}
	}()
}

func (r *Runtime) startHeartbeat(interval time.Duration) {
	r.mu.Lock()
	if r.heartbeatStop != nil {
		close(r.heartbeatStop)
	}
	stop := make(chan struct{})
	r.heartbeatStop = stop
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sendHeartbeat()
			case <-stop:
				return
			}
		}
	}()
}

// meterValueInterval returns the sampling interval for periodic meter
// values.
func (r *Runtime) meterValueInterval() time.Duration {
	if s := r.station.Template().MeterValueSampleInterval; s > 0 {
		return time.Duration(s) * time.Second
	}
	return 60 * time.Second
}

func (r *Runtime) onTransactionStarted(connectorID, transactionID int) {
	interval := r.meterValueInterval()

	r.mu.Lock()
	if stop, ok := r.meterStops[connectorID]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	r.meterStops[connectorID] = stop
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sendMeterValues(connectorID, transactionID, interval)
			case <-stop:
				return
			}
		}
	}()

	r.saveConnectorState(connectorID)
}

func (r *Runtime) onTransactionStopped(connectorID, transactionID int) {
	r.mu.Lock()
	if stop, ok := r.meterStops[connectorID]; ok {
		close(stop)
		delete(r.meterStops, connectorID)
	}
	r.mu.Unlock()

	r.saveConnectorState(connectorID)

	if r.events != nil {
		r.events.StationUpdated(r.station.ID())
	}
}

// ==================== Outgoing requests ====================

func (r *Runtime) sendBootNotification() (*v16.BootNotificationResponse, error) {
	tpl := r.station.Template()
	req := &v16.BootNotificationRequest{
		ChargePointVendor:       tpl.ChargePointVendor,
		ChargePointModel:        tpl.ChargePointModel,
		ChargePointSerialNumber: r.station.SerialNumber(),
		FirmwareVersion:         tpl.FirmwareVersion,
		MeterType:               tpl.MeterType,
	}

	payload, err := r.client.Call(string(v16.ActionBootNotification), req)
	if err != nil {
		return nil, err
	}

	var resp v16.BootNotificationResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal BootNotification response: %w", err)
	}
	return &resp, nil
}

func (r *Runtime) sendHeartbeat() {
	payload, err := r.client.Call(string(v16.ActionHeartbeat), v16.HeartbeatRequest{})
	if err != nil {
		r.logger.Warn("Heartbeat failed", "error", err)
		return
	}

	var resp v16.HeartbeatResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		r.logger.Warn("Unparseable Heartbeat response", "error", err)
	}
}

func (r *Runtime) sendAuthorize(idTag string) (*v16.AuthorizeResponse, error) {
	payload, err := r.client.Call(string(v16.ActionAuthorize), &v16.AuthorizeRequest{IdTag: idTag})
	if err != nil {
		return nil, err
	}

	var resp v16.AuthorizeResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal Authorize response: %w", err)
	}
	return &resp, nil
}

func (r *Runtime) sendStartTransaction(req *v16.StartTransactionRequest) (*v16.StartTransactionResponse, error) {
	payload, err := r.client.Call(string(v16.ActionStartTransaction), req)
	if err != nil {
		return nil, err
	}

	var resp v16.StartTransactionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal StartTransaction response: %w", err)
	}
	return &resp, nil
}

func (r *Runtime) sendStopTransaction(req *v16.StopTransactionRequest) (*v16.StopTransactionResponse, error) {
	payload, err := r.client.Call(string(v16.ActionStopTransaction), req)
	if err != nil {
		return nil, err
	}

	var resp v16.StopTransactionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal StopTransaction response: %w", err)
	}
	return &resp, nil
}

func (r *Runtime) sendStatusNotification(connectorID int, status v16.ChargePointStatus, errorCode v16.ChargePointErrorCode, info string) {
	req := &v16.StatusNotificationRequest{
		ConnectorId: connectorID,
		ErrorCode:   errorCode,
		Status:      status,
		Info:        info,
	}

	if _, err := r.client.Call(string(v16.ActionStatusNotification), req); err != nil {
		r.logger.Warn("StatusNotification failed",
			"connectorId", connectorID,
			"status", status,
			"error", err,
		)
	}
}

func (r *Runtime) sendMeterValues(connectorID, transactionID int, interval time.Duration) {
	mv, err := r.station.BuildMeterValue(connectorID, transactionID, interval, r.cfg.Debug)
	if err != nil {
		r.logger.Error("Meter value synthesis failed",
			"connectorId", connectorID,
			"error", err,
		)
		return
	}

	req := &v16.MeterValuesRequest{
		ConnectorId: connectorID,
		MeterValue:  []v16.MeterValue{mv},
	}
	if transactionID != 0 {
		txID := transactionID
		req.TransactionId = &txID
	}

	if _, err := r.client.Call(string(v16.ActionMeterValues), req); err != nil {
		r.logger.Warn("MeterValues failed",
			"connectorId", connectorID,
			"error", err,
		)
	}
}

// ==================== Persistence ====================

func (r *Runtime) restoreConnectorState() {
	if r.persistence == nil {
		return
	}

	for id := 0; id <= r.station.NumberOfConnectors(); id++ {
		snapshot, ok, err := r.persistence.LoadConnectorState(r.station.ID(), id)
		if err != nil {
			r.logger.Warn("Failed to load connector state", "connectorId", id, "error", err)
			continue
		}
		if !ok {
			continue
		}

		conn := r.station.Connector(id)
		conn.RestoreEnergyRegister(snapshot.EnergyRegisterWh)
		if snapshot.Availability == AvailabilityInoperative {
			conn.SetAvailability(AvailabilityInoperative)
			conn.SetStatus(v16.ChargePointStatusUnavailable)
		}
	}
}

func (r *Runtime) saveConnectorState(connectorID int) {
	if r.persistence == nil {
		return
	}

	conn := r.station.Connector(connectorID)
	transactionID, idTag, started := conn.Transaction()

	snapshot := ConnectorSnapshot{
		Status:             conn.Status(),
		Availability:       conn.Availability(),
		EnergyRegisterWh:   conn.EnergyActiveImportRegister(),
		TransactionStarted: started,
		TransactionID:      transactionID,
		IdTag:              idTag,
	}

	if err := r.persistence.SaveConnectorState(r.station.ID(), connectorID, snapshot); err != nil {
		r.logger.Warn("Failed to save connector state",
			"connectorId", connectorID,
			"error", err,
		)
	}
}
