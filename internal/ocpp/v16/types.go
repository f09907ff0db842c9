package v16

import (
	"time"
)

// Action represents OCPP 1.6 action names
type Action string

const (
	// Core Profile Actions
	ActionAuthorize              Action = "Authorize"
	ActionBootNotification       Action = "BootNotification"
	ActionChangeAvailability     Action = "ChangeAvailability"
	ActionDataTransfer           Action = "DataTransfer"
	ActionHeartbeat              Action = "Heartbeat"
	ActionMeterValues            Action = "MeterValues"
	ActionRemoteStartTransaction Action = "RemoteStartTransaction"
	ActionRemoteStopTransaction  Action = "RemoteStopTransaction"
	ActionStartTransaction       Action = "StartTransaction"
	ActionStatusNotification     Action = "StatusNotification"
	ActionStopTransaction        Action = "StopTransaction"
	ActionUnlockConnector        Action = "UnlockConnector"

	// Firmware Management Profile
	ActionDiagnosticsStatusNotification Action = "DiagnosticsStatusNotification"
	ActionFirmwareStatusNotification    Action = "FirmwareStatusNotification"

	// Smart Charging Profile
	ActionClearChargingProfile Action = "ClearChargingProfile"
	ActionGetCompositeSchedule Action = "GetCompositeSchedule"
	ActionSetChargingProfile   Action = "SetChargingProfile"

	// Remote Trigger Profile
	ActionTriggerMessage Action = "TriggerMessage"

	// Reservation Profile
	ActionReserveNow        Action = "ReserveNow"
	ActionCancelReservation Action = "CancelReservation"
)

// FeatureProfile represents a named set of commands a station supports
type FeatureProfile string

const (
	FeatureProfileCore                    FeatureProfile = "Core"
	FeatureProfileFirmwareManagement      FeatureProfile = "FirmwareManagement"
	FeatureProfileLocalAuthListManagement FeatureProfile = "LocalAuthListManagement"
	FeatureProfileReservation             FeatureProfile = "Reservation"
	FeatureProfileSmartCharging           FeatureProfile = "SmartCharging"
	FeatureProfileRemoteTrigger           FeatureProfile = "RemoteTrigger"
)

// ChargePointStatus represents the status of a charge point connector
type ChargePointStatus string

const (
	ChargePointStatusAvailable     ChargePointStatus = "Available"
	ChargePointStatusPreparing     ChargePointStatus = "Preparing"
	ChargePointStatusCharging      ChargePointStatus = "Charging"
	ChargePointStatusSuspendedEVSE ChargePointStatus = "SuspendedEVSE"
	ChargePointStatusSuspendedEV   ChargePointStatus = "SuspendedEV"
	ChargePointStatusFinishing     ChargePointStatus = "Finishing"
	ChargePointStatusReserved      ChargePointStatus = "Reserved"
	ChargePointStatusUnavailable   ChargePointStatus = "Unavailable"
	ChargePointStatusFaulted       ChargePointStatus = "Faulted"
)

// ChargePointErrorCode represents error codes for charge point status
type ChargePointErrorCode string

const (
	ChargePointErrorNoError              ChargePointErrorCode = "NoError"
	ChargePointErrorConnectorLockFailure ChargePointErrorCode = "ConnectorLockFailure"
	ChargePointErrorEVCommunicationError ChargePointErrorCode = "EVCommunicationError"
	ChargePointErrorGroundFailure        ChargePointErrorCode = "GroundFailure"
	ChargePointErrorHighTemperature      ChargePointErrorCode = "HighTemperature"
	ChargePointErrorInternalError        ChargePointErrorCode = "InternalError"
	ChargePointErrorOtherError           ChargePointErrorCode = "OtherError"
	ChargePointErrorOverCurrentFailure   ChargePointErrorCode = "OverCurrentFailure"
	ChargePointErrorPowerMeterFailure    ChargePointErrorCode = "PowerMeterFailure"
	ChargePointErrorPowerSwitchFailure   ChargePointErrorCode = "PowerSwitchFailure"
	ChargePointErrorReaderFailure        ChargePointErrorCode = "ReaderFailure"
	ChargePointErrorResetFailure         ChargePointErrorCode = "ResetFailure"
	ChargePointErrorUnderVoltage         ChargePointErrorCode = "UnderVoltage"
	ChargePointErrorOverVoltage          ChargePointErrorCode = "OverVoltage"
	ChargePointErrorWeakSignal           ChargePointErrorCode = "WeakSignal"
)

// AvailabilityType represents the target of a ChangeAvailability request
type AvailabilityType string

const (
	AvailabilityTypeOperative   AvailabilityType = "Operative"
	AvailabilityTypeInoperative AvailabilityType = "Inoperative"
)

// AvailabilityStatus represents the outcome of a ChangeAvailability request
type AvailabilityStatus string

const (
	AvailabilityStatusAccepted  AvailabilityStatus = "Accepted"
	AvailabilityStatusRejected  AvailabilityStatus = "Rejected"
	AvailabilityStatusScheduled AvailabilityStatus = "Scheduled"
)

// RegistrationStatus represents the registration status from CSMS
type RegistrationStatus string

const (
	RegistrationStatusAccepted RegistrationStatus = "Accepted"
	RegistrationStatusPending  RegistrationStatus = "Pending"
	RegistrationStatusRejected RegistrationStatus = "Rejected"
)

// AuthorizationStatus represents the authorization status
type AuthorizationStatus string

const (
	AuthorizationStatusAccepted     AuthorizationStatus = "Accepted"
	AuthorizationStatusBlocked      AuthorizationStatus = "Blocked"
	AuthorizationStatusExpired      AuthorizationStatus = "Expired"
	AuthorizationStatusInvalid      AuthorizationStatus = "Invalid"
	AuthorizationStatusConcurrentTx AuthorizationStatus = "ConcurrentTx"
)

// Measurand represents the type of value being measured
type Measurand string

const (
	MeasurandCurrentImport              Measurand = "Current.Import"
	MeasurandEnergyActiveImportRegister Measurand = "Energy.Active.Import.Register"
	MeasurandPowerActiveImport          Measurand = "Power.Active.Import"
	MeasurandSoC                        Measurand = "SoC"
	MeasurandVoltage                    Measurand = "Voltage"
	MeasurandFrequency                  Measurand = "Frequency"
	MeasurandTemperature                Measurand = "Temperature"
)

// Phase represents the phase a sampled value applies to
type Phase string

const (
	PhaseL1   Phase = "L1"
	PhaseL2   Phase = "L2"
	PhaseL3   Phase = "L3"
	PhaseN    Phase = "N"
	PhaseL1N  Phase = "L1-N"
	PhaseL2N  Phase = "L2-N"
	PhaseL3N  Phase = "L3-N"
	PhaseL1L2 Phase = "L1-L2"
	PhaseL2L3 Phase = "L2-L3"
	PhaseL3L1 Phase = "L3-L1"
)

// ReadingContext represents the context of a meter value reading
type ReadingContext string

const (
	ReadingContextInterruptionBegin ReadingContext = "Interruption.Begin"
	ReadingContextInterruptionEnd   ReadingContext = "Interruption.End"
	ReadingContextOther             ReadingContext = "Other"
	ReadingContextSampleClock       ReadingContext = "Sample.Clock"
	ReadingContextSamplePeriodic    ReadingContext = "Sample.Periodic"
	ReadingContextTransactionBegin  ReadingContext = "Transaction.Begin"
	ReadingContextTransactionEnd    ReadingContext = "Transaction.End"
	ReadingContextTrigger           ReadingContext = "Trigger"
)

// Location represents the location of a measurement
type Location string

const (
	LocationBody   Location = "Body"
	LocationCable  Location = "Cable"
	LocationEV     Location = "EV"
	LocationInlet  Location = "Inlet"
	LocationOutlet Location = "Outlet"
)

// UnitOfMeasure represents the unit of measure
type UnitOfMeasure string

const (
	UnitOfMeasureWh      UnitOfMeasure = "Wh"
	UnitOfMeasureKWh     UnitOfMeasure = "kWh"
	UnitOfMeasureW       UnitOfMeasure = "W"
	UnitOfMeasureKW      UnitOfMeasure = "kW"
	UnitOfMeasureA       UnitOfMeasure = "A"
	UnitOfMeasureV       UnitOfMeasure = "V"
	UnitOfMeasurePercent UnitOfMeasure = "Percent"
)

// Reason represents the reason for stopping a transaction
type Reason string

const (
	ReasonEmergencyStop  Reason = "EmergencyStop"
	ReasonEVDisconnected Reason = "EVDisconnected"
	ReasonHardReset      Reason = "HardReset"
	ReasonLocal          Reason = "Local"
	ReasonOther          Reason = "Other"
	ReasonPowerLoss      Reason = "PowerLoss"
	ReasonReboot         Reason = "Reboot"
	ReasonRemote         Reason = "Remote"
	ReasonSoftReset      Reason = "SoftReset"
	ReasonUnlockCommand  Reason = "UnlockCommand"
	ReasonDeAuthorized   Reason = "DeAuthorized"
)

// TriggerMessageStatus represents the outcome of a TriggerMessage request
type TriggerMessageStatus string

const (
	TriggerMessageStatusAccepted       TriggerMessageStatus = "Accepted"
	TriggerMessageStatusRejected       TriggerMessageStatus = "Rejected"
	TriggerMessageStatusNotImplemented TriggerMessageStatus = "NotImplemented"
)

// DateTime is a custom type for OCPP date-time format
type DateTime struct {
	time.Time
}

// NewDateTime wraps a time.Time in the OCPP wire representation.
func NewDateTime(t time.Time) DateTime {
	return DateTime{Time: t}
}

// MarshalJSON implements custom JSON marshaling for DateTime
func (dt DateTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + dt.Time.Format(time.RFC3339) + `"`), nil
}

// UnmarshalJSON implements custom JSON unmarshaling for DateTime
func (dt *DateTime) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return nil
	}
	str := string(data[1 : len(data)-1])

	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return err
	}

	dt.Time = t
	return nil
}

// IdTagInfo contains information about an ID tag
type IdTagInfo struct {
	ExpiryDate  *DateTime           `json:"expiryDate,omitempty"`
	ParentIdTag string              `json:"parentIdTag,omitempty"`
	Status      AuthorizationStatus `json:"status"`
}

// SampledValue represents a single sampled value in a meter values reading.
// Optional fields are omitted from the wire when unset.
type SampledValue struct {
	Value     string         `json:"value"`
	Context   ReadingContext `json:"context,omitempty"`
	Format    string         `json:"format,omitempty"`
	Measurand Measurand      `json:"measurand,omitempty"`
	Phase     Phase          `json:"phase,omitempty"`
	Location  Location       `json:"location,omitempty"`
	Unit      UnitOfMeasure  `json:"unit,omitempty"`
}

// MeterValue represents a collection of meter value samples at one instant
type MeterValue struct {
	Timestamp    DateTime       `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}
