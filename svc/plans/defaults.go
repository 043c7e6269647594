package plans

// Defaults returns the built-in plan set. Provider price identifiers are empty
// and must come from the plans file in deployments that sell paid plans.
func Defaults() []Plan {
	return []Plan{
		{
			Type:   Free,
			Name:   "Free",
			Price:  Money{Amount: 0, Currency: "EUR"},
			Public: true,
			Limits: map[Resource]int64{
				ResourceGroups:           3,
				ResourceGroupMembers:     5,
				ResourceExpensesPerMonth: 50,
				ResourceReceiptScans:     0,
				ResourceAssistantPrompts: 0,
			},
		},
		{
			Type:      Premium,
			Name:      "Premium",
			Price:     Money{Amount: 499, Currency: "EUR"},
			TrialDays: 14,
			Public:    true,
			Features: []Feature{
				FeatureReceiptScanning,
				FeatureRecurringExpenses,
				FeatureExport,
				FeatureCurrencyTracking,
			},
			Limits: map[Resource]int64{
				ResourceGroups:           25,
				ResourceGroupMembers:     25,
				ResourceExpensesPerMonth: Unlimited,
				ResourceReceiptScans:     100,
				ResourceAssistantPrompts: 50,
			},
		},
		{
			Type:      Enterprise,
			Name:      "Enterprise",
			Price:     Money{Amount: 1999, Currency: "EUR"},
			TrialDays: 14,
			Public:    true,
			Features: []Feature{
				FeatureReceiptScanning,
				FeatureRecurringExpenses,
				FeatureExport,
				FeatureCurrencyTracking,
				FeatureAssistant,
				FeaturePrioritySupport,
				FeatureSSO,
			},
			Limits: map[Resource]int64{
				ResourceGroups:           Unlimited,
				ResourceGroupMembers:     Unlimited,
				ResourceExpensesPerMonth: Unlimited,
				ResourceReceiptScans:     Unlimited,
				ResourceAssistantPrompts: Unlimited,
			},
		},
	}
}
