package v16

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDateTime(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)

	data, err := json.Marshal(NewDateTime(now))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `"2025-06-01T12:30:45Z"` {
		t.Errorf("unexpected wire format: %s", data)
	}

	var parsed DateTime
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !parsed.Time.Equal(now) {
		t.Errorf("round trip mismatch: %v vs %v", parsed.Time, now)
	}
}

func TestSampledValue_OmitsOptionalFields(t *testing.T) {
	sv := SampledValue{Value: "42"}

	data, err := json.Marshal(sv)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	if string(data) != `{"value":"42"}` {
		t.Errorf("optional fields must be omitted when unset: %s", data)
	}
}

func TestMeterValuesRequest_OmitsTransactionId(t *testing.T) {
	req := MeterValuesRequest{
		ConnectorId: 1,
		MeterValue: []MeterValue{{
			Timestamp:    NewDateTime(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
			SampledValue: []SampledValue{{Value: "1.5"}},
		}},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	if strings.Contains(string(data), "transactionId") {
		t.Errorf("nil transaction id must be omitted: %s", data)
	}
}

func TestChargingProfileRoundTrip(t *testing.T) {
	duration := 300
	start := NewDateTime(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	phases := 3

	profile := ChargingProfile{
		ChargingProfileId:      7,
		StackLevel:             2,
		ChargingProfilePurpose: ChargingProfilePurposeTxProfile,
		ChargingProfileKind:    ChargingProfileKindAbsolute,
		ChargingSchedule: ChargingSchedule{
			Duration:         &duration,
			StartSchedule:    &start,
			ChargingRateUnit: ChargingRateUnitAmperes,
			ChargingSchedulePeriod: []ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: 16, NumberPhases: &phases},
				{StartPeriod: 150, Limit: 6},
			},
		},
	}

	data, err := json.Marshal(SetChargingProfileRequest{ConnectorId: 1, CsChargingProfiles: profile})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var parsed SetChargingProfileRequest
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	got := parsed.CsChargingProfiles
	if got.ChargingProfileId != 7 || got.StackLevel != 2 {
		t.Errorf("profile identity lost: %+v", got)
	}
	if len(got.ChargingSchedule.ChargingSchedulePeriod) != 2 {
		t.Fatalf("periods lost: %+v", got.ChargingSchedule)
	}
	if got.ChargingSchedule.ChargingSchedulePeriod[0].NumberPhases == nil ||
		*got.ChargingSchedule.ChargingSchedulePeriod[0].NumberPhases != 3 {
		t.Error("numberPhases lost in round trip")
	}
	if got.ChargingSchedule.ChargingSchedulePeriod[1].NumberPhases != nil {
		t.Error("absent numberPhases should stay nil")
	}
}

func TestClearChargingProfileRequest_AbsentFilters(t *testing.T) {
	var req ClearChargingProfileRequest
	if err := json.Unmarshal([]byte(`{}`), &req); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if req.Id != nil || req.ConnectorId != nil || req.StackLevel != nil {
		t.Errorf("absent filters must stay nil: %+v", req)
	}
	if req.ChargingProfilePurpose != "" {
		t.Errorf("absent purpose must stay empty: %+v", req)
	}
}

func TestStatusNotificationRequest(t *testing.T) {
	req := StatusNotificationRequest{
		ConnectorId: 1,
		ErrorCode:   ChargePointErrorNoError,
		Status:      ChargePointStatusCharging,
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	if strings.Contains(string(data), "timestamp") {
		t.Errorf("nil timestamp must be omitted: %s", data)
	}

	var parsed StatusNotificationRequest
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if parsed.Status != ChargePointStatusCharging {
		t.Errorf("status lost: %+v", parsed)
	}
}
