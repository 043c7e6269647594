package plans

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/currency"
)

// Catalog is a read-only table of plans keyed by plan type.
// It is safe for concurrent use since it never changes after construction.
type Catalog struct {
	plans map[PlanType]Plan
	order []PlanType
}

// NewCatalog validates the plans and returns a catalog holding deep copies of them.
// Exactly one free plan is required: it is what users fall back to when they
// have no open paid subscription.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: at least one plan is required", ErrInvalidPlanConfiguration)
	}

	c := &Catalog{plans: make(map[PlanType]Plan, len(plans))}
	free := 0
	for _, p := range plans {
		if err := validate(p); err != nil {
			return nil, err
		}
		if _, dup := c.plans[p.Type]; dup {
			return nil, fmt.Errorf("%w: duplicate plan %q", ErrInvalidPlanConfiguration, p.Type)
		}
		if p.IsFree() {
			free++
		}
		c.plans[p.Type] = p.clone()
		c.order = append(c.order, p.Type)
	}
	if free != 1 {
		return nil, fmt.Errorf("%w: expected exactly one free plan, got %d", ErrInvalidPlanConfiguration, free)
	}

	return c, nil
}

// MustCatalog is like NewCatalog but panics on invalid input.
func MustCatalog(plans ...Plan) *Catalog {
	c, err := NewCatalog(plans...)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns a copy of the plan for the given type.
func (c *Catalog) Lookup(t PlanType) (Plan, error) {
	p, ok := c.plans[t]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrPlanNotFound, t)
	}
	return p.clone(), nil
}

// Free returns the free plan.
func (c *Catalog) Free() Plan {
	for _, t := range c.order {
		if p := c.plans[t]; p.IsFree() {
			return p.clone()
		}
	}
	// NewCatalog guarantees a free plan.
	panic("plans: catalog has no free plan")
}

// Plans returns all plans in declaration order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, c.plans[t].clone())
	}
	return out
}

// Public returns the plans available for self-service signup.
func (c *Catalog) Public() []Plan {
	return slices.DeleteFunc(c.Plans(), func(p Plan) bool { return !p.Public })
}

// ByPriceID resolves a plan from a provider price identifier.
func (c *Catalog) ByPriceID(provider, priceID string) (Plan, error) {
	for _, t := range c.order {
		if id, ok := c.plans[t].PriceID(provider); ok && id == priceID {
			return c.plans[t].clone(), nil
		}
	}
	return Plan{}, fmt.Errorf("%w: no %s price %q", ErrPlanNotFound, provider, priceID)
}

// ParsePlanType converts user input into a known plan type.
func ParsePlanType(s string) (PlanType, error) {
	t := PlanType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlanType, s)
	}
	return t, nil
}

func validate(p Plan) error {
	var errs []error
	if !p.Type.Valid() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidPlanType, p.Type))
	}
	if p.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if p.Price.Amount < 0 {
		errs = append(errs, errors.New("price must not be negative"))
	}
	if _, err := currency.ParseISO(p.Price.Currency); err != nil {
		errs = append(errs, fmt.Errorf("currency %q: %w", p.Price.Currency, err))
	}
	if p.TrialDays < 0 {
		errs = append(errs, errors.New("trial days must not be negative"))
	}
	if p.IsFree() && p.TrialDays > 0 {
		errs = append(errs, errors.New("free plan cannot have a trial"))
	}
	for r, v := range p.Limits {
		if v < Unlimited {
			errs = append(errs, fmt.Errorf("limit %s: %d is below unlimited", r, v))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: plan %q: %w", ErrInvalidPlanConfiguration, p.Type, errors.Join(errs...))
	}
	return nil
}
