package station

import (
	"log/slog"
	"sort"
	"time"

	v16 "github.com/chargefleet/fleetsim/internal/ocpp/v16"
)

// SmartCharging stores, replaces, clears and composes charging profiles.
// Feature gating happens upstream in the command dispatch.
type SmartCharging struct {
	station *Station
	logger  *slog.Logger
}

// NewSmartCharging creates a smart-charging manager for a station.
func NewSmartCharging(station *Station, logger *slog.Logger) *SmartCharging {
	if logger == nil {
		logger = slog.Default()
	}
	return &SmartCharging{station: station, logger: logger}
}

// SetChargingProfile installs a profile on the targeted connector,
// replacing in place any resident profile with the same id or the same
// (stackLevel, purpose) identity.
func (sc *SmartCharging) SetChargingProfile(req *v16.SetChargingProfileRequest) *v16.SetChargingProfileResponse {
	conn := sc.station.Connector(req.ConnectorId)
	if conn == nil {
		return &v16.SetChargingProfileResponse{Status: v16.ChargingProfileStatusRejected}
	}

	conn.InstallProfile(req.CsChargingProfiles)

	sc.logger.Info("Charging profile installed",
		"stationId", sc.station.ID(),
		"connectorId", req.ConnectorId,
		"profileId", req.CsChargingProfiles.ChargingProfileId,
		"stackLevel", req.CsChargingProfiles.StackLevel,
		"purpose", req.CsChargingProfiles.ChargingProfilePurpose,
	)

	return &v16.SetChargingProfileResponse{Status: v16.ChargingProfileStatusAccepted}
}

// ClearChargingProfile removes profiles matching the request filter. When
// no connector id is given, every connector is swept.
func (sc *SmartCharging) ClearChargingProfile(req *v16.ClearChargingProfileRequest) *v16.ClearChargingProfileResponse {
	filter := ProfileFilter{ID: req.Id, StackLevel: req.StackLevel}
	if req.ChargingProfilePurpose != "" {
		purpose := req.ChargingProfilePurpose
		filter.Purpose = &purpose
	}

	cleared := false
	if req.ConnectorId != nil {
		if conn := sc.station.Connector(*req.ConnectorId); conn != nil {
			cleared = conn.ClearProfiles(filter)
		}
	} else {
		for id := 0; id <= sc.station.NumberOfConnectors(); id++ {
			if sc.station.Connector(id).ClearProfiles(filter) {
				cleared = true
			}
		}
	}

	if !cleared {
		return &v16.ClearChargingProfileResponse{Status: v16.ClearChargingProfileStatusUnknown}
	}

	return &v16.ClearChargingProfileResponse{Status: v16.ClearChargingProfileStatusAccepted}
}

// GetCompositeSchedule composes the effective limit over the requested
// duration from the profiles installed on the connector and on the
// station (connector 0), highest stack level winning. Only the two
// profiles with the highest stack levels are composed; any others are
// not considered.
func (sc *SmartCharging) GetCompositeSchedule(req *v16.GetCompositeScheduleRequest) *v16.GetCompositeScheduleResponse {
	conn := sc.station.Connector(req.ConnectorId)
	if conn == nil || req.Duration <= 0 {
		return &v16.GetCompositeScheduleResponse{Status: v16.GetCompositeScheduleStatusRejected}
	}

	profiles := conn.Profiles()
	if req.ConnectorId != 0 {
		profiles = append(profiles, sc.station.Connector(0).Profiles()...)
	}
	if len(profiles) == 0 {
		return &v16.GetCompositeScheduleResponse{Status: v16.GetCompositeScheduleStatusRejected}
	}

	// Highest stack level first; it wins over its footprint.
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].StackLevel > profiles[j].StackLevel
	})

	now := sc.station.Now()
	interval := ScheduleInterval{Start: now, End: now.Add(time.Duration(req.Duration) * time.Second)}

	higher := &profiles[0].ChargingSchedule
	var lower *v16.ChargingSchedule
	if len(profiles) > 1 {
		lower = &profiles[1].ChargingSchedule
	}

	composite := ComposeChargingSchedules(higher, lower, interval)
	if composite == nil {
		return &v16.GetCompositeScheduleResponse{Status: v16.GetCompositeScheduleStatusRejected}
	}

	connectorID := req.ConnectorId
	scheduleStart := *composite.StartSchedule
	return &v16.GetCompositeScheduleResponse{
		Status:           v16.GetCompositeScheduleStatusAccepted,
		ConnectorId:      &connectorID,
		ScheduleStart:    &scheduleStart,
		ChargingSchedule: composite,
	}
}

// ScheduleInterval is the half-open-in-spirit composite window; both
// bounds are treated inclusively when classifying period instants.
type ScheduleInterval struct {
	Start time.Time
	End   time.Time
}

func (i ScheduleInterval) contains(t time.Time) bool {
	return !t.Before(i.Start) && !t.After(i.End)
}

func scheduleSpan(s *v16.ChargingSchedule) (time.Time, time.Time, bool) {
	if s == nil || s.StartSchedule == nil || s.Duration == nil {
		return time.Time{}, time.Time{}, false
	}
	start := s.StartSchedule.Time
	return start, start.Add(time.Duration(*s.Duration) * time.Second), true
}

func sortedPeriods(s *v16.ChargingSchedule) []v16.ChargingSchedulePeriod {
	periods := make([]v16.ChargingSchedulePeriod, len(s.ChargingSchedulePeriod))
	copy(periods, s.ChargingSchedulePeriod)
	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].StartPeriod < periods[j].StartPeriod
	})
	return periods
}

// ComposeChargingSchedule projects one schedule onto the composite
// interval: clipped at either end, nil when the two do not overlap.
// Limits and phase counts are untouched; only timing is clipped.
func ComposeChargingSchedule(schedule *v16.ChargingSchedule, interval ScheduleInterval) *v16.ChargingSchedule {
	start, end, ok := scheduleSpan(schedule)
	if !ok {
		return nil
	}

	if !end.After(interval.Start) || !start.Before(interval.End) {
		return nil
	}

	periods := sortedPeriods(schedule)

	switch {
	case start.Before(interval.Start):
		newStart := v16.NewDateTime(interval.Start)
		newDuration := int(end.Sub(interval.Start) / time.Second)

		var kept []v16.ChargingSchedulePeriod
		for i, p := range periods {
			instant := start.Add(time.Duration(p.StartPeriod) * time.Second)
			if interval.contains(instant) {
				kept = append(kept, p)
				continue
			}
			// Keep the period in effect when the window opens, so the
			// clipped schedule starts with a defined limit.
			if i+1 < len(periods) {
				next := start.Add(time.Duration(periods[i+1].StartPeriod) * time.Second)
				if interval.contains(next) {
					kept = append(kept, p)
				}
			}
		}

		if len(kept) > 0 && kept[0].StartPeriod != 0 {
			kept[0].StartPeriod = 0
		}

		return &v16.ChargingSchedule{
			StartSchedule:          &newStart,
			Duration:               &newDuration,
			ChargingRateUnit:       schedule.ChargingRateUnit,
			ChargingSchedulePeriod: kept,
			MinChargingRate:        schedule.MinChargingRate,
		}

	case end.After(interval.End):
		newStart := v16.NewDateTime(start)
		newDuration := int(interval.End.Sub(start) / time.Second)

		var kept []v16.ChargingSchedulePeriod
		for _, p := range periods {
			instant := start.Add(time.Duration(p.StartPeriod) * time.Second)
			if interval.contains(instant) {
				kept = append(kept, p)
			}
		}

		return &v16.ChargingSchedule{
			StartSchedule:          &newStart,
			Duration:               &newDuration,
			ChargingRateUnit:       schedule.ChargingRateUnit,
			ChargingSchedulePeriod: kept,
			MinChargingRate:        schedule.MinChargingRate,
		}

	default:
		newStart := v16.NewDateTime(start)
		newDuration := int(end.Sub(start) / time.Second)
		return &v16.ChargingSchedule{
			StartSchedule:          &newStart,
			Duration:               &newDuration,
			ChargingRateUnit:       schedule.ChargingRateUnit,
			ChargingSchedulePeriod: periods,
			MinChargingRate:        schedule.MinChargingRate,
		}
	}
}

// ComposeChargingSchedules composes two stacked schedules into the single
// effective schedule over the composite interval. The higher-priority
// schedule wins over its footprint; the lower-priority schedule fills the
// remainder.
func ComposeChargingSchedules(higher, lower *v16.ChargingSchedule, interval ScheduleInterval) *v16.ChargingSchedule {
	if higher == nil && lower == nil {
		return nil
	}
	if higher == nil {
		return ComposeChargingSchedule(lower, interval)
	}
	if lower == nil {
		return ComposeChargingSchedule(higher, interval)
	}

	h := ComposeChargingSchedule(higher, interval)
	l := ComposeChargingSchedule(lower, interval)
	if h == nil {
		return l
	}
	if l == nil {
		return h
	}

	hStart, hEnd, _ := scheduleSpan(h)
	lStart, lEnd, _ := scheduleSpan(l)

	resultStart := hStart
	if lStart.Before(hStart) {
		resultStart = lStart
	}
	resultEnd := hEnd
	if lEnd.After(hEnd) {
		resultEnd = lEnd
	}

	hDelta := int(hStart.Sub(resultStart) / time.Second)
	lDelta := int(lStart.Sub(resultStart) / time.Second)

	var periods []v16.ChargingSchedulePeriod
	for _, p := range h.ChargingSchedulePeriod {
		p.StartPeriod += hDelta
		periods = append(periods, p)
	}

	overlapStart := hStart
	if lStart.After(hStart) {
		overlapStart = lStart
	}
	overlapEnd := hEnd
	if lEnd.Before(hEnd) {
		overlapEnd = lEnd
	}

	if !overlapStart.Before(overlapEnd) {
		// Disjoint footprints: plain union of the two period sequences.
		for _, p := range l.ChargingSchedulePeriod {
			p.StartPeriod += lDelta
			periods = append(periods, p)
		}
	} else {
		overlap := ScheduleInterval{Start: overlapStart, End: overlapEnd}
		lPeriods := l.ChargingSchedulePeriod

		var surviving []v16.ChargingSchedulePeriod
		for i, p := range lPeriods {
			instant := lStart.Add(time.Duration(p.StartPeriod) * time.Second)
			if overlap.contains(instant) {
				continue
			}
			// Drop a period that would re-assert the lower limit right
			// before the higher-priority schedule takes over.
			if i+1 < len(lPeriods) {
				next := lStart.Add(time.Duration(lPeriods[i+1].StartPeriod) * time.Second)
				if overlap.contains(next) {
					continue
				}
			}
			surviving = append(surviving, p)
		}

		for _, p := range surviving {
			p.StartPeriod += lDelta
			periods = append(periods, p)
		}
	}

	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].StartPeriod < periods[j].StartPeriod
	})

	// Higher-priority periods were emitted first; stable sort keeps them
	// ahead of a lower period landing on the same instant.
	deduped := periods[:0]
	for i, p := range periods {
		if i > 0 && p.StartPeriod == deduped[len(deduped)-1].StartPeriod {
			continue
		}
		deduped = append(deduped, p)
	}

	start := v16.NewDateTime(resultStart)
	duration := int(resultEnd.Sub(resultStart) / time.Second)
	return &v16.ChargingSchedule{
		StartSchedule:          &start,
		Duration:               &duration,
		ChargingRateUnit:       h.ChargingRateUnit,
		ChargingSchedulePeriod: deduped,
		MinChargingRate:        h.MinChargingRate,
	}
}
