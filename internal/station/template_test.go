package station

import (
	"os"
	"path/filepath"
	"testing"

	v16 "github.com/chargefleet/fleetsim/internal/ocpp/v16"
)

func TestSampledValueTemplateFor(t *testing.T) {
	tpl := testTemplate()
	tpl.SampledValues = map[int][]SampledValueTemplate{
		0: {
			{Measurand: v16.MeasurandEnergyActiveImportRegister, Unit: v16.UnitOfMeasureWh},
		},
		1: {
			{Measurand: v16.MeasurandVoltage, Unit: v16.UnitOfMeasureV},
			{Measurand: v16.MeasurandVoltage, Unit: v16.UnitOfMeasureV, Phase: v16.PhaseL1N, Value: "231"},
			{Unit: v16.UnitOfMeasureWh},
		},
	}

	t.Run("exact measurand and phase wins", func(t *testing.T) {
		got := tpl.SampledValueTemplateFor(1, v16.MeasurandVoltage, v16.PhaseL1N)
		if got == nil || got.Value != "231" {
			t.Fatalf("expected the L1-N template, got %+v", got)
		}
	})

	t.Run("phaseless template is the fallback", func(t *testing.T) {
		got := tpl.SampledValueTemplateFor(1, v16.MeasurandVoltage, v16.PhaseL2N)
		if got == nil || got.Phase != "" {
			t.Fatalf("expected the phaseless voltage template, got %+v", got)
		}
	})

	t.Run("empty measurand means the energy register", func(t *testing.T) {
		got := tpl.SampledValueTemplateFor(1, "", "")
		if got == nil || got.Unit != v16.UnitOfMeasureWh {
			t.Fatalf("expected the default energy template, got %+v", got)
		}
	})

	t.Run("unconfigured connector falls back to the station entry", func(t *testing.T) {
		got := tpl.SampledValueTemplateFor(2, v16.MeasurandEnergyActiveImportRegister, "")
		if got == nil {
			t.Fatal("expected the connector 0 energy template")
		}
	})

	t.Run("unconfigured measurand resolves nothing", func(t *testing.T) {
		if got := tpl.SampledValueTemplateFor(1, v16.MeasurandSoC, ""); got != nil {
			t.Fatalf("expected nil, got %+v", got)
		}
	})
}

func TestLoadTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ac-22kw.json")

	data := `{
		"chargePointVendor": "VendorX",
		"chargePointModel": "ModelY",
		"currentOutType": "AC",
		"voltageOut": 230,
		"numberOfPhases": 3,
		"maximumPower": 22080,
		"numberOfConnectors": 2,
		"enabledProfiles": ["Core", "SmartCharging"],
		"meterValueSampleInterval": 30,
		"sampledValues": {
			"1": [{"measurand": "Energy.Active.Import.Register", "unit": "Wh"}]
		}
	}`

	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	tpl, err := LoadTemplate(path)
	if err != nil {
		t.Fatalf("LoadTemplate failed: %v", err)
	}

	if tpl.Name != "ac-22kw" {
		t.Errorf("template name should come from the filename, got %q", tpl.Name)
	}
	if tpl.NumberOfPhases != 3 || tpl.MaximumPower != 22080 {
		t.Errorf("unexpected template constants: %+v", tpl)
	}
	if got := tpl.SampledValueTemplateFor(1, "", ""); got == nil || got.Unit != v16.UnitOfMeasureWh {
		t.Errorf("sampled values should be keyed by connector id, got %+v", got)
	}
}

func TestLoadTemplate_Invalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		data string
	}{
		{"missing vendor", `{"chargePointModel": "M", "currentOutType": "AC", "voltageOut": 230, "numberOfPhases": 1, "maximumPower": 7360, "numberOfConnectors": 1}`},
		{"bad current type", `{"chargePointVendor": "V", "chargePointModel": "M", "currentOutType": "XX", "voltageOut": 230, "numberOfPhases": 1, "maximumPower": 7360, "numberOfConnectors": 1}`},
		{"two phases", `{"chargePointVendor": "V", "chargePointModel": "M", "currentOutType": "AC", "voltageOut": 230, "numberOfPhases": 2, "maximumPower": 7360, "numberOfConnectors": 1}`},
		{"zero power", `{"chargePointVendor": "V", "chargePointModel": "M", "currentOutType": "AC", "voltageOut": 230, "numberOfPhases": 1, "maximumPower": 0, "numberOfConnectors": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			if err := os.WriteFile(path, []byte(tt.data), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadTemplate(path); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestStationIdentity(t *testing.T) {
	tpl := testTemplate()

	first := tpl.StationID(1)
	second := tpl.StationID(2)

	if first == second {
		t.Error("stations from the same template need distinct ids")
	}
	if first != tpl.StationID(1) {
		t.Error("station ids must be stable")
	}
}

func TestStation_PowerDivider(t *testing.T) {
	tpl := testTemplate()
	tpl.NumberOfConnectors = 2
	tpl.PowerSharedByConnectors = true
	tpl.MaximumPower = 22080

	st := testStation(t, tpl)

	if st.PowerDivider() != 2 {
		t.Fatalf("shared power should divide by connector count, got %d", st.PowerDivider())
	}

	power, err := st.ConnectorMaximumAvailablePower()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if power != 11040 {
		t.Errorf("expected 11040 W per connector, got %v", power)
	}

	st.SetPowerDivider(0)
	if _, err := st.ConnectorMaximumAvailablePower(); err == nil {
		t.Error("zero divider must error")
	}
}

func TestStation_AmperageBounds(t *testing.T) {
	tpl := testTemplate()
	tpl.NumberOfPhases = 3
	st := testStation(t, tpl)

	// 7360 W over 3 phases at 230 V.
	want := 7360.0 / (3 * 230)
	if got := st.MaximumAmperagePerPhase(7360); got != want {
		t.Errorf("AC amperage: expected %v, got %v", want, got)
	}

	dc := testTemplate()
	dc.CurrentOutType = CurrentTypeDC
	dc.VoltageOut = 400
	dcStation := testStation(t, dc)

	if got := dcStation.MaximumAmperagePerPhase(50000); got != 125 {
		t.Errorf("DC amperage: expected 125, got %v", got)
	}
}
