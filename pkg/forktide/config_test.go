package forktide

import "testing"

func TestResolveWorkerCount_ExplicitValuePassesThrough(t *testing.T) {
	got := ResolveWorkerCount(PoolConfig{Workers: 6})
	if got != 6 {
		t.Errorf("expected explicit worker count 6, got %d", got)
	}
}

func TestResolveWorkerCount_ExplicitValueClampedTo1024(t *testing.T) {
	got := ResolveWorkerCount(PoolConfig{Workers: 5000})
	if got != 1024 {
		t.Errorf("expected clamp to 1024, got %d", got)
	}
}

func TestResolveWorkerCount_ZeroAutoDetectsPositive(t *testing.T) {
	got := ResolveWorkerCount(PoolConfig{Workers: 0, FallbackCPUCores: 4})
	if got < 1 || got > 1024 {
		t.Errorf("expected auto-detected count in [1, 1024], got %d", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pool.Workers != 0 {
		t.Errorf("expected default pool.workers of 0 (auto-detect), got %d", cfg.Pool.Workers)
	}
	if cfg.Pool.Backlog != 128 {
		t.Errorf("expected default backlog 128, got %d", cfg.Pool.Backlog)
	}
	if cfg.Pool.MaxQueueSize != 1000 {
		t.Errorf("expected default max_queue_size 1000, got %d", cfg.Pool.MaxQueueSize)
	}
	if !cfg.Pool.AutoRestart {
		t.Error("expected default auto_restart true")
	}
	if cfg.Pool.FallbackCPUCores != 4 {
		t.Errorf("expected default fallback_cpu_cores 4, got %d", cfg.Pool.FallbackCPUCores)
	}
}
