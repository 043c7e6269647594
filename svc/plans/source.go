package plans

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type fileFormat struct {
	Plans []Plan `yaml:"plans"`
}

// Load builds a catalog from a YAML plans file. An empty path yields the
// built-in defaults.
//
// File format:
//
//	plans:
//	  - type: premium
//	    name: Premium
//	    price: {amount: 499, currency: EUR}
//	    trial_days: 14
//	    features: [receipt_scanning, export]
//	    limits: {groups: 25, expenses_per_month: -1}
//	    price_ids: {stripe: price_123, paddle: pri_123}
//	    public: true
func Load(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(Defaults()...)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a YAML plans document and builds a catalog from it.
// Unknown keys are rejected so typos in limits or features do not silently vanish.
func Parse(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f fileFormat
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, fmt.Errorf("decode plans: %w", err))
	}
	return NewCatalog(f.Plans...)
}
