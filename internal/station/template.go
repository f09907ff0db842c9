package station

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	v16 "github.com/chargefleet/fleetsim/internal/ocpp/v16"
)

// CurrentType is the electrical current type a station delivers
type CurrentType string

const (
	CurrentTypeAC CurrentType = "AC"
	CurrentTypeDC CurrentType = "DC"
)

// SampledValueTemplate configures the synthesis of one measurand sample.
// An empty Measurand stands for Energy.Active.Import.Register.
type SampledValueTemplate struct {
	Measurand          v16.Measurand      `json:"measurand,omitempty"`
	Unit               v16.UnitOfMeasure  `json:"unit,omitempty"`
	Phase              v16.Phase          `json:"phase,omitempty"`
	Location           v16.Location       `json:"location,omitempty"`
	Context            v16.ReadingContext `json:"context,omitempty"`
	Value              string             `json:"value,omitempty"`
	MinimumValue       float64            `json:"minimumValue,omitempty"`
	FluctuationPercent float64            `json:"fluctuationPercent,omitempty"`
}

// Template is a charging station template: the static constants and
// per-connector sampled-value configuration a station is built from.
// Templates are read once at boot and treated as immutable afterwards.
type Template struct {
	Name                              string                         `json:"-"`
	ChargePointVendor                 string                         `json:"chargePointVendor"`
	ChargePointModel                  string                         `json:"chargePointModel"`
	ChargePointSerialNumberPrefix     string                         `json:"chargePointSerialNumberPrefix,omitempty"`
	FirmwareVersion                   string                         `json:"firmwareVersion,omitempty"`
	MeterType                         string                         `json:"meterType,omitempty"`
	CurrentOutType                    CurrentType                    `json:"currentOutType"`
	VoltageOut                        float64                        `json:"voltageOut"`
	NumberOfPhases                    int                            `json:"numberOfPhases"`
	MaximumPower                      float64                        `json:"maximumPower"`
	MaximumAmperage                   float64                        `json:"maximumAmperage,omitempty"`
	NumberOfConnectors                int                            `json:"numberOfConnectors"`
	PowerSharedByConnectors           bool                           `json:"powerSharedByConnectors,omitempty"`
	EnabledProfiles                   []v16.FeatureProfile           `json:"enabledProfiles"`
	AuthorizeRemoteTxRequests         bool                           `json:"authorizeRemoteTxRequests,omitempty"`
	MainVoltageMeterValues            bool                           `json:"mainVoltageMeterValues,omitempty"`
	PhaseLineToLineVoltageMeterValues bool                           `json:"phaseLineToLineVoltageMeterValues,omitempty"`
	CustomValueLimitationMeterValues  bool                           `json:"customValueLimitationMeterValues,omitempty"`
	MeterValueSampleInterval          int                            `json:"meterValueSampleInterval,omitempty"`
	HeartbeatInterval                 int                            `json:"heartbeatInterval,omitempty"`
	DefaultIdTag                      string                         `json:"defaultIdTag,omitempty"`
	SampledValues                     map[int][]SampledValueTemplate `json:"sampledValues,omitempty"`
}

// LoadTemplate reads one JSON template file.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}

	var tpl Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}

	tpl.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if err := tpl.validate(); err != nil {
		return nil, fmt.Errorf("template %s: %w", path, err)
	}

	return &tpl, nil
}

// LoadTemplates reads every *.json template in a directory.
func LoadTemplates(dir string) ([]*Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template directory %s: %w", dir, err)
	}

	var templates []*Template
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		tpl, err := LoadTemplate(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}

	if len(templates) == 0 {
		return nil, fmt.Errorf("no templates found in %s", dir)
	}

	return templates, nil
}

func (t *Template) validate() error {
	if t.ChargePointVendor == "" || t.ChargePointModel == "" {
		return fmt.Errorf("chargePointVendor and chargePointModel are required")
	}
	if t.CurrentOutType != CurrentTypeAC && t.CurrentOutType != CurrentTypeDC {
		return fmt.Errorf("invalid currentOutType: %q", t.CurrentOutType)
	}
	if t.VoltageOut <= 0 {
		return fmt.Errorf("voltageOut must be positive, got %v", t.VoltageOut)
	}
	if t.NumberOfPhases != 1 && t.NumberOfPhases != 3 {
		return fmt.Errorf("numberOfPhases must be 1 or 3, got %d", t.NumberOfPhases)
	}
	if t.MaximumPower <= 0 {
		return fmt.Errorf("maximumPower must be positive, got %v", t.MaximumPower)
	}
	if t.NumberOfConnectors <= 0 {
		return fmt.Errorf("numberOfConnectors must be positive, got %d", t.NumberOfConnectors)
	}
	return nil
}

// SampledValueTemplateFor resolves the most specific template for a
// measurand on a connector: exact (measurand, phase) first, then the
// phase-less (measurand) entry. An empty measurand resolves the default
// Energy.Active.Import.Register template. Returns nil when the measurand
// is not configured for the connector.
func (t *Template) SampledValueTemplateFor(connectorID int, measurand v16.Measurand, phase v16.Phase) *SampledValueTemplate {
	if measurand == "" {
		measurand = v16.MeasurandEnergyActiveImportRegister
	}

	templates, ok := t.SampledValues[connectorID]
	if !ok {
		// Connector-specific configuration falls back to the station entry.
		templates = t.SampledValues[0]
	}

	var phaseless *SampledValueTemplate
	for i := range templates {
		m := templates[i].Measurand
		if m == "" {
			m = v16.MeasurandEnergyActiveImportRegister
		}
		if m != measurand {
			continue
		}
		if templates[i].Phase == phase {
			return &templates[i]
		}
		if templates[i].Phase == "" && phaseless == nil {
			phaseless = &templates[i]
		}
	}

	return phaseless
}

// StationID derives the stable hashed identity of the index-th station
// stamped from this template.
func (t *Template) StationID(index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", t.Name, index)))
	return fmt.Sprintf("%s-%s", t.Name, hex.EncodeToString(sum[:4]))
}

// SerialNumber derives the per-station serial number.
func (t *Template) SerialNumber(index int) string {
	prefix := t.ChargePointSerialNumberPrefix
	if prefix == "" {
		prefix = "SIM"
	}
	return fmt.Sprintf("%s%06d", prefix, index)
}
