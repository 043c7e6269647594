// Package plans holds the plan catalog: the static mapping from plan type to
// price, currency, features and resource limits.
//
// The catalog is built once at startup, either from Defaults or from a YAML
// file via Load, and is read-only afterwards.
//
//	catalog, err := plans.Load(os.Getenv("PLANS_FILE"))
//	if err != nil {
//		return err
//	}
//	premium, err := catalog.Lookup(plans.Premium)
package plans
