package station

import (
	"sync"
	"time"

	v16 "github.com/chargefleet/fleetsim/internal/ocpp/v16"
)

// Availability represents the administrative availability of a connector
type Availability string

const (
	AvailabilityOperative   Availability = "Operative"
	AvailabilityInoperative Availability = "Inoperative"
)

// Reservation holds a connector reservation. A reservation whose expiry
// date is not after now is considered expired.
type Reservation struct {
	ID          int
	IdTag       string
	ParentIdTag string
	ExpiryDate  time.Time
}

// Expired reports whether the reservation has expired at the given instant.
func (r *Reservation) Expired(now time.Time) bool {
	return !r.ExpiryDate.After(now)
}

// Connector is the per-connector runtime ledger: status, transaction,
// energy registers, reservation and installed charging profiles.
// Connector 0 is the station itself and carries station-wide reservations
// and profiles. All mutators are total; callers pre-validate connector ids.
type Connector struct {
	id int

	mu                  sync.RWMutex
	status              v16.ChargePointStatus
	availability        Availability
	pendingAvailability *Availability
	transactionStarted  bool
	transactionID       int
	idTag               string
	energyRegister      float64 // lifetime Wh accumulator
	transactionRegister float64 // Wh since transaction start
	chargingProfiles    []v16.ChargingProfile
	profileIndex        map[profileKey]int
	reservation         *Reservation
	lastStatusChangedAt time.Time
}

type profileKey struct {
	stackLevel int
	purpose    v16.ChargingProfilePurpose
}

// NewConnector creates a connector in the Available/Operative state.
func NewConnector(id int) *Connector {
	return &Connector{
		id:           id,
		status:       v16.ChargePointStatusAvailable,
		availability: AvailabilityOperative,
		profileIndex: make(map[profileKey]int),
	}
}

// ID returns the connector index.
func (c *Connector) ID() int {
	return c.id
}

// Status returns the current connector status.
func (c *Connector) Status() v16.ChargePointStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus transitions the connector to a new status.
func (c *Connector) SetStatus(status v16.ChargePointStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.lastStatusChangedAt = time.Now()
}

// Availability returns the administrative availability.
func (c *Connector) Availability() Availability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.availability
}

// SetAvailability sets the administrative availability.
func (c *Connector) SetAvailability(a Availability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.availability = a
}

// SchedulePendingAvailability records an availability change to apply when
// the running transaction ends.
func (c *Connector) SchedulePendingAvailability(a Availability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingAvailability = &a
}

// TakePendingAvailability returns and clears the scheduled availability
// change, if any.
func (c *Connector) TakePendingAvailability() (Availability, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingAvailability == nil {
		return "", false
	}

	a := *c.pendingAvailability
	c.pendingAvailability = nil
	return a, true
}

// TransactionStarted reports whether a transaction is running.
func (c *Connector) TransactionStarted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transactionStarted
}

// Transaction returns the running transaction id and id tag, if any.
func (c *Connector) Transaction() (transactionID int, idTag string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.transactionStarted {
		return 0, "", false
	}
	return c.transactionID, c.idTag, true
}

// BeginTransaction starts a transaction and resets the transaction energy
// register.
func (c *Connector) BeginTransaction(transactionID int, idTag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transactionStarted = true
	c.transactionID = transactionID
	c.idTag = idTag
	c.transactionRegister = 0
}

// EndTransaction clears the transaction state. The lifetime energy
// register is left untouched.
func (c *Connector) EndTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transactionStarted = false
	c.transactionID = 0
	c.idTag = ""
}

// EnergyActiveImportRegister returns the lifetime energy register in Wh.
func (c *Connector) EnergyActiveImportRegister() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.energyRegister
}

// TransactionEnergyActiveImportRegister returns the energy delivered in
// the running transaction in Wh.
func (c *Connector) TransactionEnergyActiveImportRegister() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transactionRegister
}

// RestoreEnergyRegister seeds the lifetime register from persisted state.
func (c *Connector) RestoreEnergyRegister(wh float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wh >= 0 {
		c.energyRegister = wh
	}
}

// AddEnergy adds an interval increment to the lifetime register and, when
// a transaction is running, to the transaction register. Negative deltas
// are ignored; the registers never decrease.
func (c *Connector) AddEnergy(deltaWh float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deltaWh <= 0 {
		return
	}

	c.energyRegister += deltaWh
	if c.transactionStarted {
		c.transactionRegister += deltaWh
	}
}

// InstallProfile installs a charging profile, replacing in place any
// resident profile with the same chargingProfileId or the same
// (stackLevel, chargingProfilePurpose) identity.
func (c *Connector) InstallProfile(profile v16.ChargingProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.profileIndex == nil {
		c.profileIndex = make(map[profileKey]int)
	}

	for i := range c.chargingProfiles {
		if c.chargingProfiles[i].ChargingProfileId == profile.ChargingProfileId {
			c.replaceProfileLocked(i, profile)
			return
		}
	}

	key := profileKey{profile.StackLevel, profile.ChargingProfilePurpose}
	if i, ok := c.profileIndex[key]; ok {
		c.replaceProfileLocked(i, profile)
		return
	}

	c.chargingProfiles = append(c.chargingProfiles, profile)
	c.profileIndex[key] = len(c.chargingProfiles) - 1
}

func (c *Connector) replaceProfileLocked(i int, profile v16.ChargingProfile) {
	old := c.chargingProfiles[i]
	delete(c.profileIndex, profileKey{old.StackLevel, old.ChargingProfilePurpose})
	c.chargingProfiles[i] = profile
	c.profileIndex[profileKey{profile.StackLevel, profile.ChargingProfilePurpose}] = i
}

// ProfileFilter selects profiles for removal. A profile matches when its
// id equals ID, or when Purpose is absent and StackLevel matches, or when
// StackLevel is absent and Purpose matches, or when both match.
type ProfileFilter struct {
	ID         *int
	Purpose    *v16.ChargingProfilePurpose
	StackLevel *int
}

func (f ProfileFilter) matches(p v16.ChargingProfile) bool {
	if f.ID != nil && p.ChargingProfileId == *f.ID {
		return true
	}
	if f.Purpose == nil && f.StackLevel != nil && p.StackLevel == *f.StackLevel {
		return true
	}
	if f.StackLevel == nil && f.Purpose != nil && p.ChargingProfilePurpose == *f.Purpose {
		return true
	}
	if f.Purpose != nil && f.StackLevel != nil &&
		p.ChargingProfilePurpose == *f.Purpose && p.StackLevel == *f.StackLevel {
		return true
	}
	return false
}

// ClearProfiles removes every profile matched by the filter and reports
// whether at least one profile was removed.
func (c *Connector) ClearProfiles(filter ProfileFilter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.chargingProfiles[:0]
	cleared := false
	for _, p := range c.chargingProfiles {
		if filter.matches(p) {
			cleared = true
			continue
		}
		kept = append(kept, p)
	}

	if !cleared {
		return false
	}

	c.chargingProfiles = kept
	c.profileIndex = make(map[profileKey]int, len(kept))
	for i, p := range kept {
		c.profileIndex[profileKey{p.StackLevel, p.ChargingProfilePurpose}] = i
	}

	return true
}

// Profiles returns a copy of the installed profiles in insertion order.
func (c *Connector) Profiles() []v16.ChargingProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()

	profiles := make([]v16.ChargingProfile, len(c.chargingProfiles))
	copy(profiles, c.chargingProfiles)
	return profiles
}

// Reserve installs a reservation on the connector.
func (c *Connector) Reserve(r Reservation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reservation = &r
}

// Reservation returns a copy of the current reservation, if any.
func (c *Connector) Reservation() (Reservation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.reservation == nil {
		return Reservation{}, false
	}
	return *c.reservation, true
}

// ClearReservation removes the reservation, if any.
func (c *Connector) ClearReservation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reservation = nil
}
