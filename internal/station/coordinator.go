package station

import (
	"fmt"
	"log/slog"
	"math"

	v16 "github.com/chargefleet/fleetsim/internal/ocpp/v16"
)

// validStatusTransitions encodes the connector state machine. Unavailable
// may additionally be asserted from any state by an availability change.
var validStatusTransitions = map[v16.ChargePointStatus][]v16.ChargePointStatus{
	v16.ChargePointStatusAvailable: {
		v16.ChargePointStatusPreparing,
		v16.ChargePointStatusReserved,
		v16.ChargePointStatusUnavailable,
		v16.ChargePointStatusFaulted,
	},
	v16.ChargePointStatusPreparing: {
		v16.ChargePointStatusCharging,
		v16.ChargePointStatusAvailable,
		v16.ChargePointStatusSuspendedEVSE,
		v16.ChargePointStatusSuspendedEV,
		v16.ChargePointStatusFaulted,
	},
	v16.ChargePointStatusCharging: {
		v16.ChargePointStatusSuspendedEVSE,
		v16.ChargePointStatusSuspendedEV,
		v16.ChargePointStatusFinishing,
		v16.ChargePointStatusFaulted,
	},
	v16.ChargePointStatusSuspendedEVSE: {
		v16.ChargePointStatusCharging,
		v16.ChargePointStatusFinishing,
		v16.ChargePointStatusFaulted,
	},
	v16.ChargePointStatusSuspendedEV: {
		v16.ChargePointStatusCharging,
		v16.ChargePointStatusFinishing,
		v16.ChargePointStatusFaulted,
	},
	v16.ChargePointStatusFinishing: {
		v16.ChargePointStatusAvailable,
		v16.ChargePointStatusFaulted,
	},
	v16.ChargePointStatusReserved: {
		v16.ChargePointStatusAvailable,
		v16.ChargePointStatusPreparing,
		v16.ChargePointStatusFaulted,
	},
	v16.ChargePointStatusUnavailable: {
		v16.ChargePointStatusAvailable,
		v16.ChargePointStatusFaulted,
	},
	v16.ChargePointStatusFaulted: {
		v16.ChargePointStatusAvailable,
		v16.ChargePointStatusUnavailable,
	},
}

func canTransition(from, to v16.ChargePointStatus) bool {
	if to == v16.ChargePointStatusUnavailable {
		return true
	}
	for _, allowed := range validStatusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Coordinator drives the connector state machine: remote start and stop,
// availability changes and the reservation lifecycle. Protocol sends are
// injected as callbacks by the station runtime.
type Coordinator struct {
	station *Station
	logger  *slog.Logger

	// Callbacks for outgoing OCPP requests
	SendAuthorize          func(idTag string) (*v16.AuthorizeResponse, error)
	SendStartTransaction   func(req *v16.StartTransactionRequest) (*v16.StartTransactionResponse, error)
	SendStopTransaction    func(req *v16.StopTransactionRequest) (*v16.StopTransactionResponse, error)
	SendStatusNotification func(connectorID int, status v16.ChargePointStatus, errorCode v16.ChargePointErrorCode, info string)

	// OnTransactionStarted and OnTransactionStopped let the runtime react
	// to session boundaries (meter loops, persistence).
	OnTransactionStarted func(connectorID, transactionID int)
	OnTransactionStopped func(connectorID, transactionID int)
}

// NewCoordinator creates a session coordinator for a station. Feature
// gating happens upstream in the command dispatch.
func NewCoordinator(station *Station, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{station: station, logger: logger}
}

// transition moves a connector to a new status and pushes the status
// notification. Expired reservations are evicted first.
func (c *Coordinator) transition(conn *Connector, to v16.ChargePointStatus, info string) error {
	c.evictExpiredReservation(conn)

	from := conn.Status()
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		return fmt.Errorf("invalid status transition from %s to %s on connector %d", from, to, conn.ID())
	}

	conn.SetStatus(to)

	c.logger.Info("Connector status changed",
		"stationId", c.station.ID(),
		"connectorId", conn.ID(),
		"from", from,
		"to", to,
	)

	if c.SendStatusNotification != nil {
		c.SendStatusNotification(conn.ID(), to, v16.ChargePointErrorNoError, info)
	}

	return nil
}

// evictExpiredReservation clears an expired reservation and releases the
// Reserved status.
func (c *Coordinator) evictExpiredReservation(conn *Connector) {
	r, ok := conn.Reservation()
	if !ok || !r.Expired(c.station.Now()) {
		return
	}

	conn.ClearReservation()
	if conn.Status() == v16.ChargePointStatusReserved {
		conn.SetStatus(v16.ChargePointStatusAvailable)
		if c.SendStatusNotification != nil {
			c.SendStatusNotification(conn.ID(), v16.ChargePointStatusAvailable, v16.ChargePointErrorNoError, "")
		}
	}

	c.logger.Info("Expired reservation evicted",
		"stationId", c.station.ID(),
		"connectorId", conn.ID(),
		"reservationId", r.ID,
	)
}

// HasReservation reports whether the connector, or the station-level
// connector 0, holds a non-expired reservation for the id tag.
func (c *Coordinator) HasReservation(connectorID int, idTag string) bool {
	now := c.station.Now()

	matches := func(conn *Connector) bool {
		if conn == nil || conn.Status() != v16.ChargePointStatusReserved {
			return false
		}
		r, ok := conn.Reservation()
		return ok && !r.Expired(now) && r.IdTag == idTag
	}

	return matches(c.station.Connector(connectorID)) || matches(c.station.Connector(0))
}

// RemoteStartTransaction services a RemoteStartTransaction request.
func (c *Coordinator) RemoteStartTransaction(req *v16.RemoteStartTransactionRequest) *v16.RemoteStartTransactionResponse {
	conn := c.pickConnector(req.ConnectorId, req.IdTag)
	if conn == nil {
		return &v16.RemoteStartTransactionResponse{Status: v16.RemoteStartStopStatusRejected}
	}

	if req.ChargingProfile != nil {
		if req.ChargingProfile.ChargingProfilePurpose != v16.ChargingProfilePurposeTxProfile {
			return &v16.RemoteStartTransactionResponse{Status: v16.RemoteStartStopStatusRejected}
		}
		conn.InstallProfile(*req.ChargingProfile)
	}

	if err := c.startTransactionOnConnector(conn, req.IdTag); err != nil {
		c.logger.Warn("Remote start failed",
			"stationId", c.station.ID(),
			"connectorId", conn.ID(),
			"idTag", req.IdTag,
			"error", err,
		)
		return &v16.RemoteStartTransactionResponse{Status: v16.RemoteStartStopStatusRejected}
	}

	return &v16.RemoteStartTransactionResponse{Status: v16.RemoteStartStopStatusAccepted}
}

// pickConnector selects the targeted connector, or the first connector
// eligible for the id tag when the request names none.
func (c *Coordinator) pickConnector(connectorID *int, idTag string) *Connector {
	if connectorID != nil {
		conn := c.station.Connector(*connectorID)
		if conn == nil || *connectorID == 0 {
			return nil
		}
		if !c.eligibleForStart(conn, idTag) {
			return nil
		}
		return conn
	}

	for _, conn := range c.station.Connectors() {
		if c.eligibleForStart(conn, idTag) {
			return conn
		}
	}
	return nil
}

func (c *Coordinator) eligibleForStart(conn *Connector, idTag string) bool {
	c.evictExpiredReservation(conn)

	if conn.Availability() != AvailabilityOperative || conn.TransactionStarted() {
		return false
	}

	switch conn.Status() {
	case v16.ChargePointStatusAvailable, v16.ChargePointStatusPreparing:
		return true
	case v16.ChargePointStatusReserved:
		return c.HasReservation(conn.ID(), idTag)
	default:
		return false
	}
}

// startTransactionOnConnector runs the Preparing -> StartTransaction ->
// Charging sequence on a connector.
func (c *Coordinator) startTransactionOnConnector(conn *Connector, idTag string) error {
	if c.station.Template().AuthorizeRemoteTxRequests {
		if c.SendAuthorize == nil {
			return fmt.Errorf("authorization required but no authorize sender configured")
		}
		resp, err := c.SendAuthorize(idTag)
		if err != nil {
			return fmt.Errorf("authorize %s: %w", idTag, err)
		}
		if resp.IdTagInfo.Status != v16.AuthorizationStatusAccepted {
			return fmt.Errorf("authorization rejected for %s: %s", idTag, resp.IdTagInfo.Status)
		}
	}

	if err := c.transition(conn, v16.ChargePointStatusPreparing, ""); err != nil {
		return err
	}

	meterStart := int(math.Round(conn.EnergyActiveImportRegister()))

	if c.SendStartTransaction == nil {
		return fmt.Errorf("no start transaction sender configured")
	}

	resp, err := c.SendStartTransaction(&v16.StartTransactionRequest{
		ConnectorId: conn.ID(),
		IdTag:       idTag,
		MeterStart:  meterStart,
		Timestamp:   v16.NewDateTime(c.station.Now()),
	})
	if err != nil {
		c.transition(conn, v16.ChargePointStatusAvailable, "")
		return fmt.Errorf("start transaction: %w", err)
	}

	if resp.IdTagInfo.Status != v16.AuthorizationStatusAccepted {
		c.transition(conn, v16.ChargePointStatusAvailable, "")
		return fmt.Errorf("transaction rejected by central system: %s", resp.IdTagInfo.Status)
	}

	// A reservation consumed by its holder ends with the started session.
	if r, ok := conn.Reservation(); ok && r.IdTag == idTag {
		conn.ClearReservation()
	}

	conn.BeginTransaction(resp.TransactionId, idTag)

	if err := c.transition(conn, v16.ChargePointStatusCharging, ""); err != nil {
		conn.EndTransaction()
		return err
	}

	if c.OnTransactionStarted != nil {
		c.OnTransactionStarted(conn.ID(), resp.TransactionId)
	}

	c.logger.Info("Transaction started",
		"stationId", c.station.ID(),
		"connectorId", conn.ID(),
		"transactionId", resp.TransactionId,
		"idTag", idTag,
	)

	return nil
}

// StopTransactionOnConnector stops the running transaction: Finishing
// status, StopTransaction with boundary meter values, ledger cleanup and
// any scheduled availability change.
func (c *Coordinator) StopTransactionOnConnector(connectorID int, reason v16.Reason) (*v16.IdTagInfo, error) {
	conn := c.station.Connector(connectorID)
	if conn == nil {
		return nil, fmt.Errorf("unknown connector %d", connectorID)
	}

	transactionID, idTag, ok := conn.Transaction()
	if !ok {
		return nil, fmt.Errorf("connector %d has no running transaction", connectorID)
	}

	if err := c.transition(conn, v16.ChargePointStatusFinishing, ""); err != nil {
		c.logger.Warn("Finishing transition refused", "connectorId", connectorID, "error", err)
	}

	register := conn.EnergyActiveImportRegister()
	meterStart := register - conn.TransactionEnergyActiveImportRegister()
	begin := c.station.BuildTransactionBeginMeterValue(connectorID, meterStart)
	end := c.station.BuildTransactionEndMeterValue(connectorID, register)

	var idTagInfo *v16.IdTagInfo
	if c.SendStopTransaction != nil {
		resp, err := c.SendStopTransaction(&v16.StopTransactionRequest{
			IdTag:           idTag,
			MeterStop:       int(math.Round(register)),
			Timestamp:       v16.NewDateTime(c.station.Now()),
			TransactionId:   transactionID,
			Reason:          reason,
			TransactionData: BuildTransactionDataMeterValues(begin, end),
		})
		if err != nil {
			c.logger.Error("StopTransaction send failed",
				"stationId", c.station.ID(),
				"transactionId", transactionID,
				"error", err,
			)
		} else {
			idTagInfo = resp.IdTagInfo
		}
	}

	conn.EndTransaction()

	next := v16.ChargePointStatusAvailable
	if pending, ok := conn.TakePendingAvailability(); ok {
		conn.SetAvailability(pending)
		if pending == AvailabilityInoperative {
			next = v16.ChargePointStatusUnavailable
		}
	}
	if err := c.transition(conn, next, ""); err != nil {
		c.logger.Warn("Post-transaction transition refused", "connectorId", connectorID, "error", err)
	}

	if c.OnTransactionStopped != nil {
		c.OnTransactionStopped(connectorID, transactionID)
	}

	c.logger.Info("Transaction stopped",
		"stationId", c.station.ID(),
		"connectorId", connectorID,
		"transactionId", transactionID,
		"reason", reason,
		"energyWh", conn.TransactionEnergyActiveImportRegister(),
	)

	return idTagInfo, nil
}

// RemoteStopTransaction services a RemoteStopTransaction request.
func (c *Coordinator) RemoteStopTransaction(req *v16.RemoteStopTransactionRequest) *v16.RemoteStopTransactionResponse {
	conn := c.station.ConnectorByTransaction(req.TransactionId)
	if conn == nil {
		return &v16.RemoteStopTransactionResponse{Status: v16.RemoteStartStopStatusRejected}
	}

	idTagInfo, err := c.StopTransactionOnConnector(conn.ID(), v16.ReasonRemote)
	if err != nil {
		return &v16.RemoteStopTransactionResponse{Status: v16.RemoteStartStopStatusRejected}
	}

	if idTagInfo != nil && idTagInfo.Status != v16.AuthorizationStatusAccepted {
		return &v16.RemoteStopTransactionResponse{Status: v16.RemoteStartStopStatusRejected}
	}

	return &v16.RemoteStopTransactionResponse{Status: v16.RemoteStartStopStatusAccepted}
}

// ChangeAvailability services a ChangeAvailability request. Connector 0
// addresses the station and fans out to every connector.
func (c *Coordinator) ChangeAvailability(req *v16.ChangeAvailabilityRequest) *v16.ChangeAvailabilityResponse {
	var ids []int
	if req.ConnectorId == 0 {
		for id := 0; id <= c.station.NumberOfConnectors(); id++ {
			ids = append(ids, id)
		}
	} else {
		if c.station.Connector(req.ConnectorId) == nil {
			return &v16.ChangeAvailabilityResponse{Status: v16.AvailabilityStatusRejected}
		}
		ids = []int{req.ConnectorId}
	}

	status := c.changeAvailability(ids, req.Type)
	return &v16.ChangeAvailabilityResponse{Status: status}
}

// changeAvailability applies an availability change to a set of
// connectors: Scheduled for those with a running transaction, Accepted
// with an immediate status transition otherwise. The administrative
// availability is set unconditionally.
func (c *Coordinator) changeAvailability(connectorIDs []int, target v16.AvailabilityType) v16.AvailabilityStatus {
	availability := AvailabilityOperative
	status := v16.ChargePointStatusAvailable
	if target == v16.AvailabilityTypeInoperative {
		availability = AvailabilityInoperative
		status = v16.ChargePointStatusUnavailable
	}

	scheduled := false
	for _, id := range connectorIDs {
		conn := c.station.Connector(id)
		if conn == nil {
			continue
		}

		conn.SetAvailability(availability)

		if conn.TransactionStarted() {
			conn.SchedulePendingAvailability(availability)
			scheduled = true
			continue
		}

		if err := c.transition(conn, status, ""); err != nil {
			c.logger.Warn("Availability transition refused",
				"connectorId", id,
				"target", target,
				"error", err,
			)
		}
	}

	if scheduled {
		return v16.AvailabilityStatusScheduled
	}
	return v16.AvailabilityStatusAccepted
}

// ReserveNow services a ReserveNow request.
func (c *Coordinator) ReserveNow(req *v16.ReserveNowRequest) *v16.ReserveNowResponse {
	conn := c.station.Connector(req.ConnectorId)
	if conn == nil {
		return &v16.ReserveNowResponse{Status: v16.ReservationStatusRejected}
	}

	c.evictExpiredReservation(conn)

	switch conn.Status() {
	case v16.ChargePointStatusFaulted:
		return &v16.ReserveNowResponse{Status: v16.ReservationStatusFaulted}
	case v16.ChargePointStatusUnavailable:
		return &v16.ReserveNowResponse{Status: v16.ReservationStatusUnavailable}
	case v16.ChargePointStatusPreparing, v16.ChargePointStatusCharging,
		v16.ChargePointStatusSuspendedEV, v16.ChargePointStatusSuspendedEVSE,
		v16.ChargePointStatusFinishing:
		return &v16.ReserveNowResponse{Status: v16.ReservationStatusOccupied}
	case v16.ChargePointStatusReserved:
		// Only the reservation itself may be replaced.
		if r, ok := conn.Reservation(); ok && r.ID != req.ReservationId {
			return &v16.ReserveNowResponse{Status: v16.ReservationStatusOccupied}
		}
	}

	conn.Reserve(Reservation{
		ID:          req.ReservationId,
		IdTag:       req.IdTag,
		ParentIdTag: req.ParentIdTag,
		ExpiryDate:  req.ExpiryDate.Time,
	})

	if err := c.transition(conn, v16.ChargePointStatusReserved, ""); err != nil {
		conn.ClearReservation()
		return &v16.ReserveNowResponse{Status: v16.ReservationStatusRejected}
	}

	c.logger.Info("Reservation installed",
		"stationId", c.station.ID(),
		"connectorId", req.ConnectorId,
		"reservationId", req.ReservationId,
		"idTag", req.IdTag,
	)

	return &v16.ReserveNowResponse{Status: v16.ReservationStatusAccepted}
}

// CancelReservation services a CancelReservation request.
func (c *Coordinator) CancelReservation(req *v16.CancelReservationRequest) *v16.CancelReservationResponse {
	for id := 0; id <= c.station.NumberOfConnectors(); id++ {
		conn := c.station.Connector(id)
		r, ok := conn.Reservation()
		if !ok || r.ID != req.ReservationId {
			continue
		}

		conn.ClearReservation()
		if conn.Status() == v16.ChargePointStatusReserved {
			if err := c.transition(conn, v16.ChargePointStatusAvailable, ""); err != nil {
				c.logger.Warn("Release transition refused", "connectorId", id, "error", err)
			}
		}

		return &v16.CancelReservationResponse{Status: v16.CancelReservationStatusAccepted}
	}

	return &v16.CancelReservationResponse{Status: v16.CancelReservationStatusRejected}
}

// triggerableMessages are the requests the RemoteTrigger profile can ask
// the station to send.
var triggerableMessages = map[v16.Action]bool{
	v16.ActionBootNotification:              true,
	v16.ActionHeartbeat:                     true,
	v16.ActionMeterValues:                   true,
	v16.ActionStatusNotification:            true,
	v16.ActionDiagnosticsStatusNotification: true,
	v16.ActionFirmwareStatusNotification:    true,
}

// TriggerMessage services a TriggerMessage request. The actual send is
// performed by the runtime through the returned accept decision.
func (c *Coordinator) TriggerMessage(req *v16.TriggerMessageRequest) *v16.TriggerMessageResponse {
	if !triggerableMessages[req.RequestedMessage] {
		return &v16.TriggerMessageResponse{Status: v16.TriggerMessageStatusNotImplemented}
	}

	if req.ConnectorId != nil && c.station.Connector(*req.ConnectorId) == nil {
		return &v16.TriggerMessageResponse{Status: v16.TriggerMessageStatusRejected}
	}

	return &v16.TriggerMessageResponse{Status: v16.TriggerMessageStatusAccepted}
}

// UnlockConnector services an UnlockConnector request, stopping a running
// transaction first.
func (c *Coordinator) UnlockConnector(req *v16.UnlockConnectorRequest) *v16.UnlockConnectorResponse {
	conn := c.station.Connector(req.ConnectorId)
	if conn == nil || req.ConnectorId == 0 {
		return &v16.UnlockConnectorResponse{Status: v16.UnlockStatusUnlockFailed}
	}

	if conn.TransactionStarted() {
		if _, err := c.StopTransactionOnConnector(req.ConnectorId, v16.ReasonUnlockCommand); err != nil {
			return &v16.UnlockConnectorResponse{Status: v16.UnlockStatusUnlockFailed}
		}
		return &v16.UnlockConnectorResponse{Status: v16.UnlockStatusUnlocked}
	}

	if conn.Status() != v16.ChargePointStatusAvailable {
		if err := c.transition(conn, v16.ChargePointStatusAvailable, ""); err != nil {
			return &v16.UnlockConnectorResponse{Status: v16.UnlockStatusUnlockFailed}
		}
	}

	return &v16.UnlockConnectorResponse{Status: v16.UnlockStatusUnlocked}
}

// DataTransfer services a DataTransfer request. No vendor extensions are
// implemented.
func (c *Coordinator) DataTransfer(req *v16.DataTransferRequest) *v16.DataTransferResponse {
	return &v16.DataTransferResponse{Status: v16.DataTransferStatusUnknownVendorId}
}
