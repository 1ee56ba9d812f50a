package plans

import "github.com/shopspring/decimal"

// DefaultVersion is the version of the built-in plan table.
const DefaultVersion = "builtin-2026-01"

// Metric names shipped with the built-in table.
const (
	MetricDesignsCreated   = "designs_created"
	MetricRenders2D        = "renders_2d"
	MetricRenders3D        = "renders_3d"
	MetricExportsGLTF      = "exports_gltf"
	MetricExportsUSDZ      = "exports_usdz"
	MetricAIGenerations    = "ai_generations"
	MetricStorageGB        = "storage_gb"
	MetricBandwidthGB      = "bandwidth_gb"
	MetricAPICalls         = "api_calls"
	MetricWebhookDelivery  = "webhook_deliveries"
	MetricCustomDomains    = "custom_domains"
	MetricTeamMembers      = "team_members"
	MetricVirtualTryOns    = "virtual_tryons"
	MetricTryOnScreenshots = "try_on_screenshots"
)

// Built-in tiers.
const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierBusiness     Tier = "business"
	TierEnterprise   Tier = "enterprise"
)

var defaultThresholds = []float64{0.8, 0.9, 1.0}

func block(limit int64) QuotaDefinition {
	return QuotaDefinition{
		Limit:                  limit,
		Period:                 PeriodMonth,
		Overage:                OverageBlock,
		NotificationThresholds: defaultThresholds,
	}
}

func charge(limit int64, rateCents string) QuotaDefinition {
	return QuotaDefinition{
		Limit:                  limit,
		Period:                 PeriodMonth,
		Overage:                OverageCharge,
		OverageRateCents:       decimal.RequireFromString(rateCents),
		NotificationThresholds: defaultThresholds,
	}
}

func unlimited() QuotaDefinition {
	return QuotaDefinition{Limit: Unlimited, Period: PeriodMonth, Overage: OverageCharge}
}

// DefaultTable returns the built-in plan table. Each call returns a fresh
// copy that the caller may modify before handing it to a Catalog.
func DefaultTable() *Table {
	table := &Table{
		Version: DefaultVersion,
		Metrics: map[string]Metric{
			MetricDesignsCreated:   {Label: "Designs created", Unit: "designs"},
			MetricRenders2D:        {Label: "2D renders", Unit: "renders"},
			MetricRenders3D:        {Label: "3D renders", Unit: "renders"},
			MetricExportsGLTF:      {Label: "GLTF exports", Unit: "exports"},
			MetricExportsUSDZ:      {Label: "USDZ exports", Unit: "exports"},
			MetricAIGenerations:    {Label: "AI generations", Unit: "generations"},
			MetricStorageGB:        {Label: "Storage", Unit: "GB"},
			MetricBandwidthGB:      {Label: "Bandwidth", Unit: "GB"},
			MetricAPICalls:         {Label: "API calls", Unit: "calls"},
			MetricWebhookDelivery:  {Label: "Webhook deliveries", Unit: "deliveries"},
			MetricCustomDomains:    {Label: "Custom domains", Unit: "domains"},
			MetricTeamMembers:      {Label: "Team members", Unit: "members"},
			MetricVirtualTryOns:    {Label: "Virtual try-ons", Unit: "sessions"},
			MetricTryOnScreenshots: {Label: "Try-on screenshots", Unit: "screenshots"},
		},
		Tiers: map[Tier]*Plan{
			TierFree: {
				Name:               "Free",
				BasePriceCents:     0,
				CostPerCreditCents: decimal.NewFromInt(1),
				MonthlyCredits:     100,
				Features:           map[string]bool{"api_access": false, "white_label": false},
				Quotas: map[string]QuotaDefinition{
					MetricDesignsCreated: block(10),
					MetricRenders2D:      block(20),
					MetricRenders3D:      block(0),
					MetricAIGenerations:  block(5),
					MetricStorageGB:      block(1),
					MetricAPICalls:       block(0),
					MetricTeamMembers:    block(1),
					MetricVirtualTryOns:  block(50),
				},
			},
			TierStarter: {
				Name:               "Starter",
				BasePriceCents:     2900,
				CostPerCreditCents: decimal.NewFromInt(1),
				MonthlyCredits:     1000,
				Features:           map[string]bool{"api_access": true, "white_label": false},
				Quotas: map[string]QuotaDefinition{
					MetricDesignsCreated: block(100),
					MetricRenders2D:      charge(100, "20"),
					MetricRenders3D:      charge(10, "100"),
					MetricAIGenerations:  charge(20, "75"),
					MetricStorageGB:      charge(5, "50"),
					MetricAPICalls:       charge(10000, "1"),
					MetricTeamMembers:    block(2),
					MetricVirtualTryOns:  charge(500, "2"),
				},
			},
			TierProfessional: {
				Name:               "Professional",
				BasePriceCents:     9900,
				CostPerCreditCents: decimal.NewFromInt(1),
				MonthlyCredits:     5000,
				Features:           map[string]bool{"api_access": true, "white_label": true},
				Quotas: map[string]QuotaDefinition{
					MetricDesignsCreated: charge(200, "40"),
					MetricRenders2D:      charge(500, "15"),
					MetricRenders3D:      charge(50, "80"),
					MetricAIGenerations:  charge(100, "60"),
					MetricStorageGB:      charge(25, "40"),
					MetricAPICalls:       charge(50000, "1"),
					MetricTeamMembers:    block(10),
					MetricVirtualTryOns:  charge(5000, "1.5"),
				},
			},
			TierBusiness: {
				Name:               "Business",
				BasePriceCents:     29900,
				CostPerCreditCents: decimal.RequireFromString("0.9"),
				MonthlyCredits:     20000,
				Features:           map[string]bool{"api_access": true, "white_label": true, "sso": true},
				Quotas: map[string]QuotaDefinition{
					MetricDesignsCreated: charge(1000, "30"),
					MetricRenders2D:      charge(2000, "10"),
					MetricRenders3D:      charge(200, "60"),
					MetricAIGenerations:  charge(500, "50"),
					MetricStorageGB:      charge(100, "30"),
					MetricAPICalls:       charge(200000, "0.5"),
					MetricTeamMembers:    block(50),
					MetricVirtualTryOns:  charge(25000, "1"),
				},
			},
			TierEnterprise: {
				Name:               "Enterprise",
				BasePriceCents:     99900,
				CostPerCreditCents: decimal.RequireFromString("0.8"),
				MonthlyCredits:     100000,
				Features:           map[string]bool{"api_access": true, "white_label": true, "sso": true},
				Quotas: map[string]QuotaDefinition{
					MetricDesignsCreated: unlimited(),
					MetricRenders2D:      unlimited(),
					MetricRenders3D:      charge(1000, "50"),
					MetricAIGenerations:  charge(5000, "40"),
					MetricStorageGB:      charge(1000, "20"),
					MetricAPICalls:       unlimited(),
					MetricTeamMembers:    unlimited(),
				},
			},
		},
	}
	table.Normalize()
	return table
}
