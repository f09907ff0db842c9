package station

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chargefleet/fleetsim/internal/ocpp"
	v16 "github.com/chargefleet/fleetsim/internal/ocpp/v16"
)

// commandProfiles maps every inbound command to the feature profile that
// must be enabled for it.
var commandProfiles = map[v16.Action]v16.FeatureProfile{
	v16.ActionRemoteStartTransaction: v16.FeatureProfileCore,
	v16.ActionRemoteStopTransaction:  v16.FeatureProfileCore,
	v16.ActionChangeAvailability:     v16.FeatureProfileCore,
	v16.ActionUnlockConnector:        v16.FeatureProfileCore,
	v16.ActionDataTransfer:           v16.FeatureProfileCore,
	v16.ActionSetChargingProfile:     v16.FeatureProfileSmartCharging,
	v16.ActionClearChargingProfile:   v16.FeatureProfileSmartCharging,
	v16.ActionGetCompositeSchedule:   v16.FeatureProfileSmartCharging,
	v16.ActionReserveNow:             v16.FeatureProfileReservation,
	v16.ActionCancelReservation:      v16.FeatureProfileReservation,
	v16.ActionTriggerMessage:         v16.FeatureProfileRemoteTrigger,
}

// handleCall services one inbound CALL: feature gate, payload decode,
// constraint checks, then the coordinator or the smart-charging manager.
func (r *Runtime) handleCall(call *ocpp.Call) (interface{}, *ocpp.Error) {
	action := v16.Action(call.Action)

	profile, known := commandProfiles[action]
	if !known {
		return nil, ocpp.NewError(ocpp.ErrorNotImplemented, call.Action,
			fmt.Sprintf("action %s is not implemented", call.Action))
	}

	if !r.gate.Check(r.station, profile, action) {
		return nil, ocpp.NewError(ocpp.ErrorNotSupported, call.Action,
			fmt.Sprintf("feature profile %s is not enabled", profile))
	}

	switch action {
	case v16.ActionRemoteStartTransaction:
		var req v16.RemoteStartTransactionRequest
		if err := decodePayload(call, &req); err != nil {
			return nil, err
		}
		if req.IdTag == "" {
			return nil, propertyViolation(call.Action, "idTag is required")
		}
		return r.coordinator.RemoteStartTransaction(&req), nil

	case v16.ActionRemoteStopTransaction:
		var req v16.RemoteStopTransactionRequest
		if err := decodePayload(call, &req); err != nil {
			return nil, err
		}
		return r.coordinator.RemoteStopTransaction(&req), nil

	case v16.ActionChangeAvailability:
		var req v16.ChangeAvailabilityRequest
		if err := decodePayload(call, &req); err != nil {
			return nil, err
		}
		if req.Type != v16.AvailabilityTypeOperative && req.Type != v16.AvailabilityTypeInoperative {
			return nil, propertyViolation(call.Action, fmt.Sprintf("invalid availability type %q", req.Type))
		}
		if req.ConnectorId < 0 {
			return nil, propertyViolation(call.Action, "connectorId must not be negative")
		}
		return r.coordinator.ChangeAvailability(&req), nil

	case v16.ActionUnlockConnector:
		var req v16.UnlockConnectorRequest
		if err := decodePayload(call, &req); err != nil {
			return nil, err
		}
		if req.ConnectorId <= 0 {
			return nil, propertyViolation(call.Action, "connectorId must be positive")
		}
		return r.coordinator.UnlockConnector(&req), nil

	case v16.ActionDataTransfer:
		var req v16.DataTransferRequest
		if err := decodePayload(call, &req); err != nil {
			return nil, err
		}
		if req.VendorId == "" {
			return nil, propertyViolation(call.Action, "vendorId is required")
		}
		return r.coordinator.DataTransfer(&req), nil

	case v16.ActionSetChargingProfile:
		var req v16.SetChargingProfileRequest
		if err := decodePayload(call, &req); err != nil {
			return nil, err
		}
		if req.ConnectorId < 0 {
			return nil, propertyViolation(call.Action, "connectorId must not be negative")
		}
		return r.smartCharging.SetChargingProfile(&req), nil

	case v16.ActionClearChargingProfile:
		var req v16.ClearChargingProfileRequest
		if err := decodePayload(call, &req); err != nil {
			return nil, err
		}
		return r.smartCharging.ClearChargingProfile(&req), nil

	case v16.ActionGetCompositeSchedule:
		var req v16.GetCompositeScheduleRequest
		if err := decodePayload(call, &req); err != nil {
			return nil, err
		}
		if req.Duration <= 0 {
			return nil, propertyViolation(call.Action, "duration must be positive")
		}
		return r.smartCharging.GetCompositeSchedule(&req), nil

	case v16.ActionReserveNow:
		var req v16.ReserveNowRequest
		if err := decodePayload(call, &req); err != nil {
			return nil, err
		}
		if req.IdTag == "" {
			return nil, propertyViolation(call.Action, "idTag is required")
		}
		return r.coordinator.ReserveNow(&req), nil

	case v16.ActionCancelReservation:
		var req v16.CancelReservationRequest
		if err := decodePayload(call, &req); err != nil {
			return nil, err
		}
		return r.coordinator.CancelReservation(&req), nil

	case v16.ActionTriggerMessage:
		var req v16.TriggerMessageRequest
		if err := decodePayload(call, &req); err != nil {
			return nil, err
		}
		resp := r.coordinator.TriggerMessage(&req)
		if resp.Status == v16.TriggerMessageStatusAccepted {
			// Fire after the response is on the wire.
			go r.serviceTrigger(req.RequestedMessage, req.ConnectorId)
		}
		return resp, nil

	default:
		return nil, ocpp.NewError(ocpp.ErrorNotImplemented, call.Action,
			fmt.Sprintf("action %s is not implemented", call.Action))
	}
}

func decodePayload(call *ocpp.Call, dest interface{}) *ocpp.Error {
	if err := json.Unmarshal(call.Payload, dest); err != nil {
		return ocpp.NewError(ocpp.ErrorFormationViolation, call.Action, err.Error())
	}
	return nil
}

func propertyViolation(action, message string) *ocpp.Error {
	return ocpp.NewError(ocpp.ErrorPropertyConstraintViolation, action, message)
}

// serviceTrigger performs the send requested through TriggerMessage.
func (r *Runtime) serviceTrigger(message v16.Action, connectorID *int) {
	time.Sleep(100 * time.Millisecond)

	switch message {
	case v16.ActionBootNotification:
		if _, err := r.sendBootNotification(); err != nil {
			r.logger.Warn("Triggered BootNotification failed", "error", err)
		}

	case v16.ActionHeartbeat:
		r.sendHeartbeat()

	case v16.ActionStatusNotification:
		if connectorID != nil {
			conn := r.station.Connector(*connectorID)
			r.sendStatusNotification(*connectorID, conn.Status(), v16.ChargePointErrorNoError, "")
			return
		}
		for id := 0; id <= r.station.NumberOfConnectors(); id++ {
			r.sendStatusNotification(id, r.station.Connector(id).Status(), v16.ChargePointErrorNoError, "")
		}

	case v16.ActionMeterValues:
		interval := r.meterValueInterval()
		ids := []int{}
		if connectorID != nil {
			ids = append(ids, *connectorID)
		} else {
			for _, conn := range r.station.Connectors() {
				ids = append(ids, conn.ID())
			}
		}
		for _, id := range ids {
			transactionID := 0
			if txID, _, ok := r.station.Connector(id).Transaction(); ok {
				transactionID = txID
			}
			r.sendMeterValues(id, transactionID, interval)
		}

	case v16.ActionDiagnosticsStatusNotification:
		if _, err := r.client.Call(string(v16.ActionDiagnosticsStatusNotification),
			&v16.DiagnosticsStatusNotificationRequest{Status: "Idle"}); err != nil {
			r.logger.Warn("Triggered DiagnosticsStatusNotification failed", "error", err)
		}

	case v16.ActionFirmwareStatusNotification:
		if _, err := r.client.Call(string(v16.ActionFirmwareStatusNotification),
			&v16.FirmwareStatusNotificationRequest{Status: "Idle"}); err != nil {
			r.logger.Warn("Triggered FirmwareStatusNotification failed", "error", err)
		}
	}
}
