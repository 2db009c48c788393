package tenant

import (
	"context"
	"log/slog"
)

// DemoTenants are created by Seed, one per default tier. Their API key is
// "demo-<tier>-key".
var DemoTenants = []Tenant{
	{ID: "00000000-0000-0000-0000-000000000001", Name: "Demo Ignition", Tier: "ignition"},
	{ID: "00000000-0000-0000-0000-000000000002", Name: "Demo Velocity", Tier: "velocity"},
	{ID: "00000000-0000-0000-0000-000000000003", Name: "Demo Dominance", Tier: "dominance"},
}

func DemoKey(tier string) string {
	return "demo-" + tier + "-key"
}

// Seed creates the demo tenants. Existing tenants are left alone.
func Seed(ctx context.Context, store Store, logger *slog.Logger) {
	for _, demo := range DemoTenants {
		t := demo
		t.KeyHash = HashKey(DemoKey(t.Tier))
		t.RateLimit = 1000000
		t.Active = true

		if err := store.Create(ctx, &t); err != nil {
			logger.Info("demo tenant may already exist, skipping", "tenant_id", t.ID, "error", err)
			continue
		}
		logger.Info("demo tenant created", "tenant_id", t.ID, "tier", t.Tier, "api_key", DemoKey(t.Tier))
	}
}
