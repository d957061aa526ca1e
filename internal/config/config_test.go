package config

import "testing"

func TestParseJSONAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{"mercury": {"address": "grpc://0.0.0.0:7070"}}`), false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Mercury.Address != "grpc://0.0.0.0:7070" {
		t.Errorf("got %q", cfg.Mercury.Address)
	}
	if cfg.HandleCacheSize != 32 {
		t.Errorf("expected default handle_cache_size 32, got %d", cfg.HandleCacheSize)
	}
	if cfg.Argobots.MemMaxNumStacks != 8 {
		t.Errorf("expected default abt_mem_max_num_stacks 8, got %d", cfg.Argobots.MemMaxNumStacks)
	}
}

func TestParseYAMLEquivalence(t *testing.T) {
	yamlDoc := []byte("mercury:\n  address: grpc://0.0.0.0:7070\n  listening: true\n")
	cfg, err := Parse(yamlDoc, true)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Mercury.Address != "grpc://0.0.0.0:7070" || !cfg.Mercury.Listening {
		t.Errorf("unexpected mercury config: %+v", cfg.Mercury)
	}
}

func TestUnknownKeysSurviveInResolved(t *testing.T) {
	cfg, err := Parse([]byte(`{"mercury": {"address": "x"}, "totally_unknown_key": 42}`), false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	resolved := cfg.Resolved()
	if v, ok := resolved["totally_unknown_key"]; !ok || v != float64(42) {
		t.Errorf("expected unknown key preserved in Resolved, got %v", resolved["totally_unknown_key"])
	}
}

func TestExpandConveniencesSynthesizesPrimaryPool(t *testing.T) {
	cfg, _ := Parse([]byte(`{}`), false)
	cfg.ExpandConveniences()
	if len(cfg.Argobots.Pools) != 1 || cfg.Argobots.Pools[0].Name != "__primary__" {
		t.Fatalf("got pools=%+v", cfg.Argobots.Pools)
	}
	if len(cfg.Argobots.XStreams) != 1 {
		t.Fatalf("got xstreams=%+v", cfg.Argobots.XStreams)
	}
}

func TestExpandConveniencesRPCThreadCount(t *testing.T) {
	cfg, _ := Parse([]byte(`{"rpc_thread_count": 4}`), false)
	cfg.ExpandConveniences()
	found := false
	for _, p := range cfg.Argobots.Pools {
		if p.Name == "__rpc__" {
			found = true
		}
	}
	if !found {
		t.Error("expected rpc_thread_count to synthesize a __rpc__ pool")
	}
}
