package topic

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/carebus/pkg/errdefs"
)

// ErrUnknownTopic is returned when a topic is not part of the catalog.
var ErrUnknownTopic = errors.New("topic not defined in catalog")

const day = 24 * time.Hour

// Clinical topic names.
const (
	PatientState      = "patient.state"
	ClinicalState     = "clinical.state"
	BillingState      = "billing.state"
	PharmacyState     = "pharmacy.state"
	LabState          = "lab.state"
	RadiologyState    = "radiology.state"
	IntegrationState  = "integration.state"
	SchedulingState   = "scheduling.state"
	SecurityAudit     = "security.audit"
	AuthEvents        = "auth.events"
	NotificationEvent = "notification.events"
	AnalyticsEvents   = "analytics.events"
	EmergencyAlerts   = "emergency.alerts"
	DeadLetter        = "deadletter"
)

// Catalog is the registry of topic definitions. It is safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewCatalog returns a catalog holding specs. It fails on the first spec that
// DefineTopic rejects.
func NewCatalog(specs ...Spec) (*Catalog, error) {
	c := &Catalog{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		if err := c.DefineTopic(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefineTopic adds spec to the catalog. Redefining a topic with an identical
// spec is a no-op; any difference is a ConflictError. Topic creation on the
// cluster is a separate provisioning step (see Apply).
func (c *Catalog) DefineTopic(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	spec = spec.Normalized()

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.specs[spec.Name]
	if !ok {
		c.specs[spec.Name] = spec
		return nil
	}
	reasons, _ := existing.Diff(spec)
	if len(reasons) == 0 {
		return nil
	}
	return &errdefs.ConflictError{Topic: spec.Name, Reasons: reasons}
}

// Get returns the spec for name.
func (c *Catalog) Get(name string) (Spec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.specs[name]
	if !ok {
		return Spec{}, ErrUnknownTopic
	}
	return s, nil
}

// MustGet is like Get but panics when name is unknown.
func (c *Catalog) MustGet(name string) Spec {
	s, err := c.Get(name)
	if err != nil {
		panic(fmt.Sprintf("topic %q: %v", name, err))
	}
	return s
}

// List returns all specs sorted by name.
func (c *Catalog) List() []Spec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Spec, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Spec) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// ByClass returns the specs of the given class sorted by name.
func (c *Catalog) ByClass(class Class) []Spec {
	var out []Spec
	for _, s := range c.List() {
		if s.Class == class {
			out = append(out, s)
		}
	}
	return out
}

// DefaultSpecs returns the clinical platform topology.
func DefaultSpecs() []Spec {
	state := func(name string, partitions int32, desc string) Spec {
		return Spec{
			Name:              name,
			Partitions:        partitions,
			ReplicationFactor: 3,
			CleanupPolicy:     CleanupCompact,
			Class:             ClassEntityState,
			KeyRequired:       true,
			Description:       desc,
		}
	}
	stream := func(name string, partitions int32, rf int16, retention time.Duration, class Class, desc string) Spec {
		return Spec{
			Name:              name,
			Partitions:        partitions,
			ReplicationFactor: rf,
			CleanupPolicy:     CleanupDelete,
			Retention:         retention,
			Class:             class,
			Description:       desc,
		}
	}

	audit := stream(SecurityAudit, 6, 3, 400*day, ClassAudit, "security audit trail, regulatory retention")
	audit.KeyRequired = true

	emergency := stream(EmergencyAlerts, 1, 3, 3*day, ClassEmergency, "urgent clinical alerts, total order")
	emergency.Ordering = OrderingAppend
	emergency.KeyRequired = true

	return []Spec{
		state(PatientState, 12, "current patient record per patient id"),
		state(ClinicalState, 12, "current encounter / EHR state per encounter id"),
		state(BillingState, 6, "current billing account state"),
		state(PharmacyState, 6, "current prescription and dispense state"),
		state(LabState, 6, "current lab order and result state"),
		state(RadiologyState, 6, "current imaging order and report state"),
		state(IntegrationState, 6, "current state of external system integrations"),
		state(SchedulingState, 6, "current appointment state"),
		audit,
		stream(AuthEvents, 3, 3, 3*day, ClassTransient, "authentication notices"),
		stream(NotificationEvent, 6, 3, 7*day, ClassTransient, "outbound notification requests"),
		stream(AnalyticsEvents, 12, 2, 30*day, ClassTransient, "analytics feed"),
		emergency,
		stream(DeadLetter, 3, 3, 30*day, ClassDeadLetter, "events consumers could not process"),
	}
}

// Default returns a catalog holding DefaultSpecs.
func Default() *Catalog {
	c, err := NewCatalog(DefaultSpecs()...)
	if err != nil {
		panic(err)
	}
	return c
}
