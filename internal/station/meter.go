package station

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/chargefleet/fleetsim/internal/ocpp"
	v16 "github.com/chargefleet/fleetsim/internal/ocpp/v16"
)

// defaultFluctuationPercent is applied when a template carries a literal
// value but no fluctuation of its own.
const defaultFluctuationPercent = 5.0

const (
	socMinimum = 0.0
	socMaximum = 100.0
)

// customValueOptions controls how a literal template value is bounded.
type customValueOptions struct {
	limitationEnabled bool
	fallback          float64
	unitMultiplier    float64
}

// clampCustomValue bounds a literal template value. With limitation
// enabled an out-of-range value is replaced by the fallback and a warning
// is logged; otherwise the raw value passes through. The unit multiplier
// converts the raw value into the emission unit before the range check.
func (s *Station) clampCustomValue(raw, max, min float64, opts customValueOptions) float64 {
	if opts.unitMultiplier != 0 {
		raw *= opts.unitMultiplier
	}

	if opts.limitationEnabled && (raw > max || raw < min) {
		s.logger.Warn("Custom meter value out of range, using fallback",
			"stationId", s.id,
			"value", raw,
			"min", min,
			"max", max,
			"fallback", opts.fallback,
		)
		return opts.fallback
	}

	return raw
}

// templateValue synthesizes one numeric sample from a template: a literal
// value is clamped and fluctuated, otherwise a uniform draw in [min, max].
func (s *Station) templateValue(tpl *SampledValueTemplate, min, max float64, opts customValueOptions) float64 {
	if tpl.Value != "" {
		raw, err := strconv.ParseFloat(tpl.Value, 64)
		if err != nil {
			s.logger.Warn("Unparseable template value, falling back to random",
				"stationId", s.id,
				"measurand", tpl.Measurand,
				"value", tpl.Value,
			)
			return roundTo(s.randomFloat(min, max), 2)
		}

		value := s.clampCustomValue(raw, max, min, opts)
		percent := tpl.FluctuationPercent
		if percent == 0 {
			percent = defaultFluctuationPercent
		}
		return roundTo(s.fluctuated(value, percent), 2)
	}

	if tpl.MinimumValue > min {
		min = tpl.MinimumValue
	}
	return roundTo(s.randomFloat(min, max), 2)
}

func formatValue(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// appendSample appends one SampledValue, leaving every optional field
// unset when its source is unset.
func appendSample(samples []v16.SampledValue, tpl *SampledValueTemplate, measurand v16.Measurand, phase v16.Phase, value float64) []v16.SampledValue {
	sv := v16.SampledValue{
		Value:     formatValue(value),
		Context:   tpl.Context,
		Measurand: measurand,
		Phase:     phase,
		Location:  tpl.Location,
		Unit:      tpl.Unit,
	}
	return append(samples, sv)
}

func unitDivider(unit v16.UnitOfMeasure) float64 {
	if unit == v16.UnitOfMeasureKW || unit == v16.UnitOfMeasureKWh {
		return 1000
	}
	return 1
}

// BuildMeterValue synthesizes one MeterValue for a connector over the
// sampling interval: SoC, voltage, power, current and energy samples in
// that order, per phase where the station topology calls for it. A
// measurand is omitted when no template resolves for it.
func (s *Station) BuildMeterValue(connectorID, transactionID int, interval time.Duration, debug bool) (v16.MeterValue, error) {
	conn := s.Connector(connectorID)
	if conn == nil {
		return v16.MeterValue{}, ocpp.NewError(ocpp.ErrorInternalError, string(v16.ActionMeterValues),
			fmt.Sprintf("unknown connector %d", connectorID))
	}

	mv := v16.MeterValue{Timestamp: v16.NewDateTime(s.clock.Now())}

	samples, err := s.appendSoCSample(connectorID, mv.SampledValue)
	if err != nil {
		return v16.MeterValue{}, err
	}
	samples = s.appendVoltageSamples(connectorID, samples)
	samples, err = s.appendPowerSamples(connectorID, samples)
	if err != nil {
		return v16.MeterValue{}, err
	}
	samples, err = s.appendCurrentSamples(connectorID, samples)
	if err != nil {
		return v16.MeterValue{}, err
	}
	samples, err = s.appendEnergySample(conn, transactionID, interval, samples)
	if err != nil {
		return v16.MeterValue{}, err
	}

	mv.SampledValue = samples

	if debug {
		s.logger.Debug("Meter value synthesized",
			"stationId", s.id,
			"connectorId", connectorID,
			"transactionId", transactionID,
			"samples", len(samples),
		)
	}

	return mv, nil
}

func (s *Station) appendSoCSample(connectorID int, samples []v16.SampledValue) ([]v16.SampledValue, error) {
	tpl := s.tpl.SampledValueTemplateFor(connectorID, v16.MeasurandSoC, "")
	if tpl == nil {
		return samples, nil
	}

	value := s.templateValue(tpl, socMinimum, socMaximum, customValueOptions{
		limitationEnabled: s.tpl.CustomValueLimitationMeterValues,
		fallback:          socMaximum,
		unitMultiplier:    1,
	})

	if value < socMinimum || value > socMaximum {
		s.logger.Error("SoC sample out of range",
			"stationId", s.id,
			"connectorId", connectorID,
			"value", value,
		)
	}

	socTpl := *tpl
	if socTpl.Location == "" {
		socTpl.Location = v16.LocationEV
	}

	return appendSample(samples, &socTpl, v16.MeasurandSoC, "", value), nil
}

func (s *Station) appendVoltageSamples(connectorID int, samples []v16.SampledValue) []v16.SampledValue {
	tpl := s.tpl.SampledValueTemplateFor(connectorID, v16.MeasurandVoltage, "")
	if tpl == nil {
		return samples
	}

	nominal := s.tpl.VoltageOut
	opts := customValueOptions{
		limitationEnabled: s.tpl.CustomValueLimitationMeterValues,
		fallback:          nominal,
		unitMultiplier:    1,
	}

	voltageFor := func(t *SampledValueTemplate, nominal float64) float64 {
		if t.Value != "" {
			return s.templateValue(t, 0, nominal, opts)
		}
		percent := t.FluctuationPercent
		if percent == 0 {
			percent = defaultFluctuationPercent
		}
		return roundTo(s.fluctuated(nominal, percent), 2)
	}

	threePhase := s.tpl.NumberOfPhases == 3

	if !threePhase || s.tpl.MainVoltageMeterValues {
		samples = appendSample(samples, tpl, v16.MeasurandVoltage, "", voltageFor(tpl, nominal))
	}

	if threePhase {
		for _, phase := range []v16.Phase{v16.PhaseL1N, v16.PhaseL2N, v16.PhaseL3N} {
			phaseTpl := s.tpl.SampledValueTemplateFor(connectorID, v16.MeasurandVoltage, phase)
			if phaseTpl == nil {
				phaseTpl = tpl
			}
			samples = appendSample(samples, phaseTpl, v16.MeasurandVoltage, phase, voltageFor(phaseTpl, nominal))
		}

		if s.tpl.PhaseLineToLineVoltageMeterValues {
			lineToLine := roundTo(math.Sqrt(3)*nominal, 2)
			for _, phase := range []v16.Phase{v16.PhaseL1L2, v16.PhaseL2L3, v16.PhaseL3L1} {
				phaseTpl := s.tpl.SampledValueTemplateFor(connectorID, v16.MeasurandVoltage, phase)
				if phaseTpl == nil {
					phaseTpl = tpl
				}
				samples = appendSample(samples, phaseTpl, v16.MeasurandVoltage, phase, voltageFor(phaseTpl, lineToLine))
			}
		}
	}

	return samples
}

func (s *Station) appendPowerSamples(connectorID int, samples []v16.SampledValue) ([]v16.SampledValue, error) {
	tpl := s.tpl.SampledValueTemplateFor(connectorID, v16.MeasurandPowerActiveImport, "")
	if tpl == nil {
		return samples, nil
	}

	maxPower, err := s.ConnectorMaximumAvailablePower()
	if err != nil {
		return nil, ocpp.NewError(ocpp.ErrorInternalError, string(v16.ActionMeterValues), err.Error())
	}
	connectorMaxPower := math.Round(maxPower)

	divider := unitDivider(tpl.Unit)
	limit := connectorMaxPower / divider
	minimum := tpl.MinimumValue / divider
	opts := customValueOptions{
		limitationEnabled: s.tpl.CustomValueLimitationMeterValues,
		fallback:          limit,
		unitMultiplier:    1 / divider,
	}

	switch s.tpl.CurrentOutType {
	case CurrentTypeAC:
		if s.tpl.NumberOfPhases == 3 {
			phaseCap := limit / 3
			var phases [3]float64
			if tpl.Value != "" {
				total := s.templateValue(tpl, minimum, limit, opts)
				for i := range phases {
					phases[i] = roundTo(total/3, 2)
				}
			} else {
				for i := range phases {
					phases[i] = roundTo(s.randomFloat(minimum/3, phaseCap), 2)
				}
			}

			aggregate := roundTo(phases[0]+phases[1]+phases[2], 2)
			samples = appendSample(samples, tpl, v16.MeasurandPowerActiveImport, "", aggregate)
			for i, phase := range []v16.Phase{v16.PhaseL1, v16.PhaseL2, v16.PhaseL3} {
				samples = appendSample(samples, tpl, v16.MeasurandPowerActiveImport, phase, phases[i])
			}
		} else {
			value := s.templateValue(tpl, minimum, limit, opts)
			samples = appendSample(samples, tpl, v16.MeasurandPowerActiveImport, "", value)
		}

	case CurrentTypeDC:
		value := s.templateValue(tpl, minimum, limit, opts)
		samples = appendSample(samples, tpl, v16.MeasurandPowerActiveImport, "", value)

	default:
		return nil, ocpp.NewError(ocpp.ErrorInternalError, string(v16.ActionMeterValues),
			fmt.Sprintf("unknown current type %q", s.tpl.CurrentOutType))
	}

	return samples, nil
}

func (s *Station) appendCurrentSamples(connectorID int, samples []v16.SampledValue) ([]v16.SampledValue, error) {
	tpl := s.tpl.SampledValueTemplateFor(connectorID, v16.MeasurandCurrentImport, "")
	if tpl == nil {
		return samples, nil
	}

	maxPower, err := s.ConnectorMaximumAvailablePower()
	if err != nil {
		return nil, ocpp.NewError(ocpp.ErrorInternalError, string(v16.ActionMeterValues), err.Error())
	}
	connectorMaxPower := math.Round(maxPower)

	maxAmperage := s.MaximumAmperagePerPhase(connectorMaxPower)
	minimum := tpl.MinimumValue
	opts := customValueOptions{
		limitationEnabled: s.tpl.CustomValueLimitationMeterValues,
		fallback:          maxAmperage,
		unitMultiplier:    1,
	}

	switch s.tpl.CurrentOutType {
	case CurrentTypeAC:
		if s.tpl.NumberOfPhases == 3 {
			var phases [3]float64
			if tpl.Value != "" {
				value := s.templateValue(tpl, minimum, maxAmperage, opts)
				for i := range phases {
					phases[i] = value
				}
			} else {
				for i := range phases {
					phases[i] = roundTo(s.randomFloat(minimum, maxAmperage), 2)
				}
			}

			aggregate := roundTo((phases[0]+phases[1]+phases[2])/float64(s.tpl.NumberOfPhases), 2)
			samples = appendSample(samples, tpl, v16.MeasurandCurrentImport, "", aggregate)
			for i, phase := range []v16.Phase{v16.PhaseL1, v16.PhaseL2, v16.PhaseL3} {
				samples = appendSample(samples, tpl, v16.MeasurandCurrentImport, phase, phases[i])
			}
		} else {
			value := s.templateValue(tpl, minimum, maxAmperage, opts)
			samples = appendSample(samples, tpl, v16.MeasurandCurrentImport, "", value)
		}

	case CurrentTypeDC:
		value := s.templateValue(tpl, minimum, maxAmperage, opts)
		samples = appendSample(samples, tpl, v16.MeasurandCurrentImport, "", value)

	default:
		return nil, ocpp.NewError(ocpp.ErrorInternalError, string(v16.ActionMeterValues),
			fmt.Sprintf("unknown current type %q", s.tpl.CurrentOutType))
	}

	return samples, nil
}

func (s *Station) appendEnergySample(conn *Connector, transactionID int, interval time.Duration, samples []v16.SampledValue) ([]v16.SampledValue, error) {
	tpl := s.tpl.SampledValueTemplateFor(conn.ID(), v16.MeasurandEnergyActiveImportRegister, "")
	if tpl == nil {
		return samples, nil
	}

	maxPower, err := s.ConnectorMaximumAvailablePower()
	if err != nil {
		return nil, ocpp.NewError(ocpp.ErrorInternalError, string(v16.ActionMeterValues), err.Error())
	}
	connectorMaxPower := math.Round(maxPower)

	// Upper bound of the energy the connector can deliver in one interval.
	maxEnergyWh := connectorMaxPower * float64(interval.Milliseconds()) / (3600 * 1000)

	var incrementWh float64
	if tpl.Value != "" {
		incrementWh = s.templateValue(tpl, 0, maxEnergyWh, customValueOptions{
			limitationEnabled: s.tpl.CustomValueLimitationMeterValues,
			fallback:          maxEnergyWh,
			unitMultiplier:    1,
		})
	} else {
		incrementWh = roundTo(s.randomFloat(0, maxEnergyWh), 2)
	}

	conn.AddEnergy(incrementWh)

	divider := unitDivider(tpl.Unit)
	var registerWh float64
	if transactionID != 0 {
		registerWh = s.EnergyActiveImportRegisterByTransaction(transactionID)
	} else {
		registerWh = conn.EnergyActiveImportRegister()
	}

	value := roundTo(registerWh/divider, 2)
	return appendSample(samples, tpl, v16.MeasurandEnergyActiveImportRegister, "", value), nil
}

// BuildTransactionBeginMeterValue produces the single energy-register
// sample sent at transaction start.
func (s *Station) BuildTransactionBeginMeterValue(connectorID int, meterStartWh float64) v16.MeterValue {
	return s.transactionBoundaryMeterValue(connectorID, meterStartWh, v16.ReadingContextTransactionBegin)
}

// BuildTransactionEndMeterValue produces the single energy-register
// sample sent at transaction end.
func (s *Station) BuildTransactionEndMeterValue(connectorID int, meterStopWh float64) v16.MeterValue {
	return s.transactionBoundaryMeterValue(connectorID, meterStopWh, v16.ReadingContextTransactionEnd)
}

// BuildTransactionDataMeterValues pairs the begin and end boundary values
// for the StopTransaction transactionData field.
func BuildTransactionDataMeterValues(begin, end v16.MeterValue) []v16.MeterValue {
	return []v16.MeterValue{begin, end}
}

func (s *Station) transactionBoundaryMeterValue(connectorID int, registerWh float64, context v16.ReadingContext) v16.MeterValue {
	tpl := s.tpl.SampledValueTemplateFor(connectorID, "", "")

	var unit v16.UnitOfMeasure
	var location v16.Location
	divider := 1.0
	if tpl != nil {
		unit = tpl.Unit
		location = tpl.Location
		divider = unitDivider(tpl.Unit)
	}

	return v16.MeterValue{
		Timestamp: v16.NewDateTime(s.clock.Now()),
		SampledValue: []v16.SampledValue{{
			Value:     formatValue(roundTo(registerWh/divider, 4)),
			Context:   context,
			Measurand: v16.MeasurandEnergyActiveImportRegister,
			Location:  location,
			Unit:      unit,
		}},
	}
}
