package tier

import "testing"

func TestDefaultBrowserPoolConfigCarriesRequestedProfile(t *testing.T) {
	cfg := DefaultBrowserPoolConfig("hardened")
	if cfg.StealthProfile != "hardened" {
		t.Fatalf("expected profile %q, got %q", "hardened", cfg.StealthProfile)
	}
	if cfg.Size <= 0 || cfg.RecycleLimit <= 0 {
		t.Fatalf("expected positive pool sizing defaults, got %+v", cfg)
	}
}
