package plans_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/splitkit/svc/plans"
)

func TestNewCatalog(t *testing.T) {
	t.Parallel()

	t.Run("defaults are valid", func(t *testing.T) {
		t.Parallel()
		c, err := plans.NewCatalog(plans.Defaults()...)
		require.NoError(t, err)
		assert.Len(t, c.Plans(), 3)
		assert.Equal(t, plans.Free, c.Free().Type)
	})

	t.Run("requires exactly one free plan", func(t *testing.T) {
		t.Parallel()
		premium := plans.Defaults()[1]
		_, err := plans.NewCatalog(premium)
		assert.ErrorIs(t, err, plans.ErrInvalidPlanConfiguration)
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		t.Parallel()
		d := plans.Defaults()
		_, err := plans.NewCatalog(d[0], d[1], d[1])
		assert.ErrorIs(t, err, plans.ErrInvalidPlanConfiguration)
	})

	t.Run("rejects unknown currency", func(t *testing.T) {
		t.Parallel()
		d := plans.Defaults()
		d[1].Price.Currency = "XYZ1"
		_, err := plans.NewCatalog(d...)
		assert.ErrorIs(t, err, plans.ErrInvalidPlanConfiguration)
	})

	t.Run("rejects trial on free plan", func(t *testing.T) {
		t.Parallel()
		d := plans.Defaults()
		d[0].TrialDays = 7
		_, err := plans.NewCatalog(d...)
		assert.ErrorIs(t, err, plans.ErrInvalidPlanConfiguration)
	})
}

func TestCatalogLookup(t *testing.T) {
	t.Parallel()

	c := plans.MustCatalog(plans.Defaults()...)

	p, err := c.Lookup(plans.Premium)
	require.NoError(t, err)
	assert.Equal(t, int64(499), p.Price.Amount)
	assert.True(t, p.HasFeature(plans.FeatureReceiptScanning))
	assert.False(t, p.IsFree())

	_, err = c.Lookup("gold")
	assert.ErrorIs(t, err, plans.ErrPlanNotFound)

	t.Run("returns copies", func(t *testing.T) {
		p, err := c.Lookup(plans.Premium)
		require.NoError(t, err)
		p.Limits[plans.ResourceGroups] = 1
		p.Features[0] = "mutated"

		again, err := c.Lookup(plans.Premium)
		require.NoError(t, err)
		assert.Equal(t, int64(25), again.Limit(plans.ResourceGroups))
		assert.Equal(t, plans.FeatureReceiptScanning, again.Features[0])
	})
}

func TestParsePlanType(t *testing.T) {
	t.Parallel()

	pt, err := plans.ParsePlanType(" Premium ")
	require.NoError(t, err)
	assert.Equal(t, plans.Premium, pt)

	_, err = plans.ParsePlanType("platinum")
	assert.ErrorIs(t, err, plans.ErrInvalidPlanType)
}

func TestParse(t *testing.T) {
	t.Parallel()

	const doc = `
plans:
  - type: free
    name: Free
    price: {amount: 0, currency: USD}
    public: true
    limits: {groups: 2}
  - type: premium
    name: Premium
    price: {amount: 599, currency: USD}
    trial_days: 7
    features: [receipt_scanning, export]
    limits: {groups: -1}
    price_ids: {stripe: price_premium, paddle: pri_premium}
    public: true
`

	c, err := plans.Parse(strings.NewReader(doc))
	require.NoError(t, err)

	p, err := c.ByPriceID("stripe", "price_premium")
	require.NoError(t, err)
	assert.Equal(t, plans.Premium, p.Type)
	assert.Equal(t, plans.Unlimited, p.Limit(plans.ResourceGroups))

	id, ok := p.PriceID("paddle")
	assert.True(t, ok)
	assert.Equal(t, "pri_premium", id)

	_, err = c.ByPriceID("stripe", "price_unknown")
	assert.ErrorIs(t, err, plans.ErrPlanNotFound)

	t.Run("unknown keys are rejected", func(t *testing.T) {
		_, err := plans.Parse(strings.NewReader("plans:\n  - type: free\n    nmae: Free\n"))
		assert.ErrorIs(t, err, plans.ErrFailedToLoadPlans)
	})
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	c, err := plans.Load("")
	require.NoError(t, err)
	assert.Len(t, c.Public(), 3)
}
