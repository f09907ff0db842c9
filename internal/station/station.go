package station

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	v16 "github.com/chargefleet/fleetsim/internal/ocpp/v16"
)

// Clock abstracts wall-clock time so reservation expiry and meter-value
// synthesis are testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Station is the process-wide runtime entity for one simulated charging
// station: identity, template constants, power budget and the connector
// arena (index 0 is the station itself).
type Station struct {
	id           string
	serialNumber string
	tpl          *Template
	powerDivider int
	profiles     map[v16.FeatureProfile]bool
	connectors   []*Connector

	logger *slog.Logger
	clock  Clock
	rng    *rand.Rand
}

// Option configures a Station.
type Option func(*Station)

// WithLogger sets the station logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Station) { s.logger = logger }
}

// WithClock injects a clock, for tests.
func WithClock(clock Clock) Option {
	return func(s *Station) { s.clock = clock }
}

// WithRand injects the random source used by the meter-value synthesizer,
// for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(s *Station) { s.rng = rng }
}

// New creates a station from a template. The index distinguishes stations
// stamped from the same template.
func New(tpl *Template, index int, opts ...Option) *Station {
	s := &Station{
		id:           tpl.StationID(index),
		serialNumber: tpl.SerialNumber(index),
		tpl:          tpl,
		powerDivider: 1,
		profiles:     make(map[v16.FeatureProfile]bool, len(tpl.EnabledProfiles)),
		logger:       slog.Default(),
		clock:        systemClock{},
	}

	for _, p := range tpl.EnabledProfiles {
		s.profiles[p] = true
	}

	// Station-wide power is split across connectors when the template
	// declares the budget as shared.
	if tpl.PowerSharedByConnectors && tpl.NumberOfConnectors > 0 {
		s.powerDivider = tpl.NumberOfConnectors
	}

	s.connectors = make([]*Connector, tpl.NumberOfConnectors+1)
	for i := range s.connectors {
		s.connectors[i] = NewConnector(i)
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return s
}

// ID returns the hashed station identity.
func (s *Station) ID() string { return s.id }

// SerialNumber returns the station serial number.
func (s *Station) SerialNumber() string { return s.serialNumber }

// Template returns the immutable template the station was built from.
func (s *Station) Template() *Template { return s.tpl }

// HasFeatureProfile reports whether a feature profile is enabled.
func (s *Station) HasFeatureProfile(p v16.FeatureProfile) bool {
	return s.profiles[p]
}

// Connector returns the connector with the given index, or nil when the
// index is out of range. Index 0 is the station itself.
func (s *Station) Connector(id int) *Connector {
	if id < 0 || id >= len(s.connectors) {
		return nil
	}
	return s.connectors[id]
}

// Connectors returns the physical connectors (indices >= 1).
func (s *Station) Connectors() []*Connector {
	return s.connectors[1:]
}

// NumberOfConnectors returns the physical connector count.
func (s *Station) NumberOfConnectors() int {
	return len(s.connectors) - 1
}

// PowerDivider returns the integer used to apportion the station power
// budget among connectors.
func (s *Station) PowerDivider() int { return s.powerDivider }

// SetPowerDivider overrides the power divider.
func (s *Station) SetPowerDivider(divider int) { s.powerDivider = divider }

// ConnectorMaximumAvailablePower returns the maximum power one connector
// may draw, in watts. The power divider must be positive.
func (s *Station) ConnectorMaximumAvailablePower() (float64, error) {
	if s.powerDivider <= 0 {
		return 0, fmt.Errorf("power divider must be positive, got %d", s.powerDivider)
	}
	return s.tpl.MaximumPower / float64(s.powerDivider), nil
}

// MaximumAmperagePerPhase returns the per-phase current bound in amperes
// for the given connector power budget.
func (s *Station) MaximumAmperagePerPhase(maxPower float64) float64 {
	switch s.tpl.CurrentOutType {
	case CurrentTypeDC:
		return maxPower / s.tpl.VoltageOut
	default:
		return acAmperagePerPhase(s.tpl.NumberOfPhases, maxPower, s.tpl.VoltageOut)
	}
}

// acAmperagePerPhase computes the per-phase amperage an AC supply of the
// given power can deliver.
func acAmperagePerPhase(phases int, maxPower, voltage float64) float64 {
	if phases <= 0 || voltage <= 0 {
		return 0
	}
	return maxPower / (float64(phases) * voltage)
}

// ConnectorByTransaction returns the connector running the transaction,
// or nil when no connector does.
func (s *Station) ConnectorByTransaction(transactionID int) *Connector {
	for _, c := range s.connectors {
		if id, _, ok := c.Transaction(); ok && id == transactionID {
			return c
		}
	}
	return nil
}

// EnergyActiveImportRegisterByTransaction returns the lifetime energy
// register (Wh) of the connector running the transaction. When no
// connector runs the transaction, zero is returned.
func (s *Station) EnergyActiveImportRegisterByTransaction(transactionID int) float64 {
	if c := s.ConnectorByTransaction(transactionID); c != nil {
		return c.EnergyActiveImportRegister()
	}
	return 0
}

// Now returns the station clock reading.
func (s *Station) Now() time.Time { return s.clock.Now() }

// Logger returns the station logger.
func (s *Station) Logger() *slog.Logger { return s.logger }

// randomFloat draws a uniform value in [min, max].
func (s *Station) randomFloat(min, max float64) float64 {
	if max <= min {
		return min
	}
	return min + s.rng.Float64()*(max-min)
}

// fluctuated applies a uniform fluctuation of ±percent to a value.
func (s *Station) fluctuated(value, percent float64) float64 {
	if percent <= 0 {
		return value
	}
	spread := value * percent / 100
	return value + (s.rng.Float64()*2-1)*spread
}

// roundTo rounds a value to the given number of decimals.
func roundTo(value float64, decimals int) float64 {
	factor := math.Pow(10, float64(decimals))
	return math.Round(value*factor) / factor
}
