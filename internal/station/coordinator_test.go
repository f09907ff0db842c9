package station

import (
	"testing"
	"time"

	v16 "github.com/chargefleet/fleetsim/internal/ocpp/v16"
)

// coordinatorHarness wires a coordinator to recording stubs.
type coordinatorHarness struct {
	station       *Station
	coordinator   *Coordinator
	notifications []v16.StatusNotificationRequest
	stopRequests  []v16.StopTransactionRequest
	nextTxID      int
	stopStatus    v16.AuthorizationStatus
}

func newCoordinatorHarness(t *testing.T, tpl *Template) *coordinatorHarness {
	t.Helper()

	st := testStation(t, tpl)
	h := &coordinatorHarness{
		station:    st,
		nextTxID:   100,
		stopStatus: v16.AuthorizationStatusAccepted,
	}

	c := NewCoordinator(st, nil)
	c.SendStatusNotification = func(connectorID int, status v16.ChargePointStatus, errorCode v16.ChargePointErrorCode, info string) {
		h.notifications = append(h.notifications, v16.StatusNotificationRequest{
			ConnectorId: connectorID,
			Status:      status,
			ErrorCode:   errorCode,
		})
	}
	c.SendStartTransaction = func(req *v16.StartTransactionRequest) (*v16.StartTransactionResponse, error) {
		h.nextTxID++
		return &v16.StartTransactionResponse{
			IdTagInfo:     v16.IdTagInfo{Status: v16.AuthorizationStatusAccepted},
			TransactionId: h.nextTxID,
		}, nil
	}
	c.SendStopTransaction = func(req *v16.StopTransactionRequest) (*v16.StopTransactionResponse, error) {
		h.stopRequests = append(h.stopRequests, *req)
		return &v16.StopTransactionResponse{
			IdTagInfo: &v16.IdTagInfo{Status: h.stopStatus},
		}, nil
	}

	h.coordinator = c
	return h
}

func (h *coordinatorHarness) lastNotification(t *testing.T) v16.StatusNotificationRequest {
	t.Helper()
	if len(h.notifications) == 0 {
		t.Fatal("no status notifications recorded")
	}
	return h.notifications[len(h.notifications)-1]
}

func TestRemoteStartTransaction(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())

	resp := h.coordinator.RemoteStartTransaction(&v16.RemoteStartTransactionRequest{
		ConnectorId: intPtr(1),
		IdTag:       "TAG-1",
	})

	if resp.Status != v16.RemoteStartStopStatusAccepted {
		t.Fatalf("expected Accepted, got %s", resp.Status)
	}

	conn := h.station.Connector(1)
	if conn.Status() != v16.ChargePointStatusCharging {
		t.Errorf("expected Charging, got %s", conn.Status())
	}

	txID, idTag, ok := conn.Transaction()
	if !ok || idTag != "TAG-1" {
		t.Fatalf("expected a running transaction for TAG-1, got (%d, %q, %v)", txID, idTag, ok)
	}
}

func TestRemoteStartTransaction_OccupiedConnectorRejected(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())

	first := h.coordinator.RemoteStartTransaction(&v16.RemoteStartTransactionRequest{
		ConnectorId: intPtr(1), IdTag: "TAG-1",
	})
	if first.Status != v16.RemoteStartStopStatusAccepted {
		t.Fatalf("first start should be accepted, got %s", first.Status)
	}

	second := h.coordinator.RemoteStartTransaction(&v16.RemoteStartTransactionRequest{
		ConnectorId: intPtr(1), IdTag: "TAG-2",
	})
	if second.Status != v16.RemoteStartStopStatusRejected {
		t.Errorf("occupied connector should reject, got %s", second.Status)
	}
}

func TestRemoteStopTransaction(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())

	h.coordinator.RemoteStartTransaction(&v16.RemoteStartTransactionRequest{
		ConnectorId: intPtr(1), IdTag: "TAG-1",
	})
	txID, _, _ := h.station.Connector(1).Transaction()

	resp := h.coordinator.RemoteStopTransaction(&v16.RemoteStopTransactionRequest{TransactionId: txID})
	if resp.Status != v16.RemoteStartStopStatusAccepted {
		t.Fatalf("expected Accepted, got %s", resp.Status)
	}

	conn := h.station.Connector(1)
	if conn.TransactionStarted() {
		t.Error("transaction should be cleared")
	}
	if conn.Status() != v16.ChargePointStatusAvailable {
		t.Errorf("connector should return to Available, got %s", conn.Status())
	}

	if len(h.stopRequests) != 1 {
		t.Fatalf("expected 1 StopTransaction, got %d", len(h.stopRequests))
	}
	stop := h.stopRequests[0]
	if stop.Reason != v16.ReasonRemote {
		t.Errorf("stop reason should be Remote, got %s", stop.Reason)
	}
	if len(stop.TransactionData) != 2 {
		t.Errorf("expected [begin, end] transaction data, got %d entries", len(stop.TransactionData))
	}
}

func TestRemoteStopTransaction_UnknownTransaction(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())

	resp := h.coordinator.RemoteStopTransaction(&v16.RemoteStopTransactionRequest{TransactionId: 9999})
	if resp.Status != v16.RemoteStartStopStatusRejected {
		t.Errorf("unknown transaction should reject, got %s", resp.Status)
	}
}

func TestRemoteStopTransaction_CentralSystemRefusal(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())
	h.stopStatus = v16.AuthorizationStatusInvalid

	h.coordinator.RemoteStartTransaction(&v16.RemoteStartTransactionRequest{
		ConnectorId: intPtr(1), IdTag: "TAG-1",
	})
	txID, _, _ := h.station.Connector(1).Transaction()

	resp := h.coordinator.RemoteStopTransaction(&v16.RemoteStopTransactionRequest{TransactionId: txID})
	if resp.Status != v16.RemoteStartStopStatusRejected {
		t.Errorf("refused idTagInfo should map to Rejected, got %s", resp.Status)
	}
}

func TestChangeAvailability_Immediate(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())

	resp := h.coordinator.ChangeAvailability(&v16.ChangeAvailabilityRequest{
		ConnectorId: 1,
		Type:        v16.AvailabilityTypeInoperative,
	})

	if resp.Status != v16.AvailabilityStatusAccepted {
		t.Fatalf("expected Accepted, got %s", resp.Status)
	}

	conn := h.station.Connector(1)
	if conn.Availability() != AvailabilityInoperative {
		t.Error("availability should be Inoperative")
	}
	if conn.Status() != v16.ChargePointStatusUnavailable {
		t.Errorf("status should be Unavailable, got %s", conn.Status())
	}
}

func TestChangeAvailability_ScheduledDuringTransaction(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())

	h.coordinator.RemoteStartTransaction(&v16.RemoteStartTransactionRequest{
		ConnectorId: intPtr(1), IdTag: "TAG-1",
	})
	txID, _, _ := h.station.Connector(1).Transaction()

	resp := h.coordinator.ChangeAvailability(&v16.ChangeAvailabilityRequest{
		ConnectorId: 1,
		Type:        v16.AvailabilityTypeInoperative,
	})

	if resp.Status != v16.AvailabilityStatusScheduled {
		t.Fatalf("expected Scheduled, got %s", resp.Status)
	}

	conn := h.station.Connector(1)
	if conn.Availability() != AvailabilityInoperative {
		t.Error("availability changes unconditionally even when scheduled")
	}
	if conn.Status() != v16.ChargePointStatusCharging {
		t.Errorf("status change must wait for transaction end, got %s", conn.Status())
	}

	// The scheduled change lands when the transaction stops.
	if _, err := h.coordinator.StopTransactionOnConnector(1, v16.ReasonLocal); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if conn.Status() != v16.ChargePointStatusUnavailable {
		t.Errorf("scheduled change should apply at transaction end, got %s", conn.Status())
	}
	_ = txID
}

func TestChangeAvailability_StationWide(t *testing.T) {
	tpl := testTemplate()
	tpl.NumberOfConnectors = 2
	h := newCoordinatorHarness(t, tpl)

	resp := h.coordinator.ChangeAvailability(&v16.ChangeAvailabilityRequest{
		ConnectorId: 0,
		Type:        v16.AvailabilityTypeInoperative,
	})

	if resp.Status != v16.AvailabilityStatusAccepted {
		t.Fatalf("expected Accepted, got %s", resp.Status)
	}

	for id := 0; id <= 2; id++ {
		if h.station.Connector(id).Availability() != AvailabilityInoperative {
			t.Errorf("connector %d should be Inoperative", id)
		}
	}
}

func TestReserveNow_AndConsumeByHolder(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())

	expiry := v16.NewDateTime(h.station.Now().Add(time.Hour))
	resp := h.coordinator.ReserveNow(&v16.ReserveNowRequest{
		ConnectorId:   1,
		ExpiryDate:    expiry,
		IdTag:         "TAG-1",
		ReservationId: 7,
	})

	if resp.Status != v16.ReservationStatusAccepted {
		t.Fatalf("expected Accepted, got %s", resp.Status)
	}
	if h.station.Connector(1).Status() != v16.ChargePointStatusReserved {
		t.Fatalf("connector should be Reserved")
	}

	if !h.coordinator.HasReservation(1, "TAG-1") {
		t.Error("holder should match the reservation")
	}
	if h.coordinator.HasReservation(1, "TAG-2") {
		t.Error("other tags must not match the reservation")
	}

	// Another driver cannot start on the reserved connector.
	blocked := h.coordinator.RemoteStartTransaction(&v16.RemoteStartTransactionRequest{
		ConnectorId: intPtr(1), IdTag: "TAG-2",
	})
	if blocked.Status != v16.RemoteStartStopStatusRejected {
		t.Errorf("reserved connector should reject other tags, got %s", blocked.Status)
	}

	// The holder consumes the reservation.
	started := h.coordinator.RemoteStartTransaction(&v16.RemoteStartTransactionRequest{
		ConnectorId: intPtr(1), IdTag: "TAG-1",
	})
	if started.Status != v16.RemoteStartStopStatusAccepted {
		t.Fatalf("holder should start on the reserved connector, got %s", started.Status)
	}
	if _, ok := h.station.Connector(1).Reservation(); ok {
		t.Error("consumed reservation should be cleared")
	}
}

func TestReserveNow_Occupied(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())

	h.coordinator.RemoteStartTransaction(&v16.RemoteStartTransactionRequest{
		ConnectorId: intPtr(1), IdTag: "TAG-1",
	})

	resp := h.coordinator.ReserveNow(&v16.ReserveNowRequest{
		ConnectorId:   1,
		ExpiryDate:    v16.NewDateTime(h.station.Now().Add(time.Hour)),
		IdTag:         "TAG-2",
		ReservationId: 8,
	})

	if resp.Status != v16.ReservationStatusOccupied {
		t.Errorf("charging connector should report Occupied, got %s", resp.Status)
	}
}

func TestExpiredReservation(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())
	conn := h.station.Connector(1)

	// Reservation already expired one second ago.
	conn.Reserve(Reservation{
		ID:         9,
		IdTag:      "A",
		ExpiryDate: h.station.Now().Add(-time.Second),
	})
	conn.SetStatus(v16.ChargePointStatusReserved)

	if h.coordinator.HasReservation(1, "A") {
		t.Error("expired reservation must never match")
	}

	// The next transition evicts the stale reservation.
	if err := h.coordinator.transition(conn, v16.ChargePointStatusPreparing, ""); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if _, ok := conn.Reservation(); ok {
		t.Error("expired reservation should be evicted on transition")
	}
}

func TestStationLevelReservation(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())

	resp := h.coordinator.ReserveNow(&v16.ReserveNowRequest{
		ConnectorId:   0,
		ExpiryDate:    v16.NewDateTime(h.station.Now().Add(time.Hour)),
		IdTag:         "TAG-1",
		ReservationId: 11,
	})
	if resp.Status != v16.ReservationStatusAccepted {
		t.Fatalf("station-level reservation should be accepted, got %s", resp.Status)
	}

	if h.station.Connector(0).Status() != v16.ChargePointStatusReserved {
		t.Fatal("station connector should hold the Reserved status")
	}

	if !h.coordinator.HasReservation(1, "TAG-1") {
		t.Error("station-level reservation should match any connector")
	}
}

func TestCancelReservation(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())

	h.coordinator.ReserveNow(&v16.ReserveNowRequest{
		ConnectorId:   1,
		ExpiryDate:    v16.NewDateTime(h.station.Now().Add(time.Hour)),
		IdTag:         "TAG-1",
		ReservationId: 12,
	})

	resp := h.coordinator.CancelReservation(&v16.CancelReservationRequest{ReservationId: 12})
	if resp.Status != v16.CancelReservationStatusAccepted {
		t.Fatalf("expected Accepted, got %s", resp.Status)
	}
	if h.station.Connector(1).Status() != v16.ChargePointStatusAvailable {
		t.Error("cancelled reservation should release the connector")
	}

	again := h.coordinator.CancelReservation(&v16.CancelReservationRequest{ReservationId: 12})
	if again.Status != v16.CancelReservationStatusRejected {
		t.Errorf("unknown reservation should reject, got %s", again.Status)
	}
}

func TestTriggerMessage(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())

	tests := []struct {
		message v16.Action
		want    v16.TriggerMessageStatus
	}{
		{v16.ActionHeartbeat, v16.TriggerMessageStatusAccepted},
		{v16.ActionMeterValues, v16.TriggerMessageStatusAccepted},
		{v16.ActionStatusNotification, v16.TriggerMessageStatusAccepted},
		{v16.ActionBootNotification, v16.TriggerMessageStatusAccepted},
		{v16.ActionRemoteStartTransaction, v16.TriggerMessageStatusNotImplemented},
		{v16.Action("Bogus"), v16.TriggerMessageStatusNotImplemented},
	}

	for _, tt := range tests {
		t.Run(string(tt.message), func(t *testing.T) {
			resp := h.coordinator.TriggerMessage(&v16.TriggerMessageRequest{RequestedMessage: tt.message})
			if resp.Status != tt.want {
				t.Errorf("TriggerMessage(%s) = %s, want %s", tt.message, resp.Status, tt.want)
			}
		})
	}
}

func TestUnlockConnector(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())

	resp := h.coordinator.UnlockConnector(&v16.UnlockConnectorRequest{ConnectorId: 1})
	if resp.Status != v16.UnlockStatusUnlocked {
		t.Errorf("idle connector should unlock, got %s", resp.Status)
	}

	h.coordinator.RemoteStartTransaction(&v16.RemoteStartTransactionRequest{
		ConnectorId: intPtr(1), IdTag: "TAG-1",
	})

	resp = h.coordinator.UnlockConnector(&v16.UnlockConnectorRequest{ConnectorId: 1})
	if resp.Status != v16.UnlockStatusUnlocked {
		t.Errorf("unlock should stop the transaction first, got %s", resp.Status)
	}
	if h.station.Connector(1).TransactionStarted() {
		t.Error("transaction should be stopped by unlock")
	}

	if len(h.stopRequests) != 1 || h.stopRequests[0].Reason != v16.ReasonUnlockCommand {
		t.Errorf("stop reason should be UnlockCommand, got %+v", h.stopRequests)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    v16.ChargePointStatus
		to      v16.ChargePointStatus
		allowed bool
	}{
		{"available to preparing", v16.ChargePointStatusAvailable, v16.ChargePointStatusPreparing, true},
		{"preparing to charging", v16.ChargePointStatusPreparing, v16.ChargePointStatusCharging, true},
		{"charging to finishing", v16.ChargePointStatusCharging, v16.ChargePointStatusFinishing, true},
		{"finishing to available", v16.ChargePointStatusFinishing, v16.ChargePointStatusAvailable, true},
		{"available to reserved", v16.ChargePointStatusAvailable, v16.ChargePointStatusReserved, true},
		{"reserved to preparing", v16.ChargePointStatusReserved, v16.ChargePointStatusPreparing, true},
		{"available to charging skips preparing", v16.ChargePointStatusAvailable, v16.ChargePointStatusCharging, false},
		{"charging to reserved", v16.ChargePointStatusCharging, v16.ChargePointStatusReserved, false},
		{"unavailable asserted from charging", v16.ChargePointStatusCharging, v16.ChargePointStatusUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := canTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestDataTransfer(t *testing.T) {
	h := newCoordinatorHarness(t, testTemplate())

	resp := h.coordinator.DataTransfer(&v16.DataTransferRequest{VendorId: "com.example"})
	if resp.Status != v16.DataTransferStatusUnknownVendorId {
		t.Errorf("unknown vendor should report UnknownVendorId, got %s", resp.Status)
	}
}
