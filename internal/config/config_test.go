package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testConfig() *Config {
	cfg := New()
	cfg.CoreServices["EvaluationService"] = []Address{{Host: "127.0.0.1", Port: 25000}}
	cfg.CoreServices["Worker"] = []Address{
		{Host: "127.0.0.1", Port: 26000},
		{Host: "127.0.0.1", Port: 26001},
		{Host: "127.0.0.1", Port: 26002},
	}
	cfg.OtherServices["FileStorage"] = []Address{{Host: "127.0.0.1", Port: 27000}}
	return cfg
}

func TestGetAddress(t *testing.T) {
	cfg := testConfig()

	addr, err := cfg.GetAddress(ServiceCoord{Name: "Worker", Shard: 1})
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	if addr.Port != 26001 {
		t.Errorf("got port %d, want 26001", addr.Port)
	}

	// Other-services table is consulted too.
	if _, err := cfg.GetAddress(ServiceCoord{Name: "FileStorage", Shard: 0}); err != nil {
		t.Errorf("FileStorage lookup failed: %v", err)
	}
}

func TestGetAddress_NotFound(t *testing.T) {
	cfg := testConfig()

	cases := []ServiceCoord{
		{Name: "Nonexistent", Shard: 0},
		{Name: "Worker", Shard: 3},
		{Name: "Worker", Shard: -1},
	}
	for _, coord := range cases {
		if _, err := cfg.GetAddress(coord); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetAddress(%s): got %v, want ErrNotFound", coord, err)
		}
	}
}

func TestShardCount(t *testing.T) {
	cfg := testConfig()

	if n := cfg.ShardCount("Worker"); n != 3 {
		t.Errorf("ShardCount(Worker) = %d, want 3", n)
	}
	if n := cfg.ShardCount("EvaluationService"); n != 1 {
		t.Errorf("ShardCount(EvaluationService) = %d, want 1", n)
	}
	if n := cfg.ShardCount("Nonexistent"); n != 0 {
		t.Errorf("ShardCount(Nonexistent) = %d, want 0", n)
	}
}

func TestLoad(t *testing.T) {
	content := `core_services:
  EvaluationService:
    - host: 127.0.0.1
      port: 25000
  Worker:
    - host: 127.0.0.1
      port: 26000
    - host: 127.0.0.1
      port: 26001
other_services:
  TestClient:
    - host: 127.0.0.1
      port: 28000
`
	path := filepath.Join(t.TempDir(), "cms.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := cfg.ShardCount("Worker"); n != 2 {
		t.Errorf("ShardCount(Worker) = %d, want 2", n)
	}
	addr, err := cfg.GetAddress(ServiceCoord{Name: "TestClient", Shard: 0})
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	if addr.String() != "127.0.0.1:28000" {
		t.Errorf("addr = %s, want 127.0.0.1:28000", addr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/cms.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCoordString(t *testing.T) {
	c := ServiceCoord{Name: "Worker", Shard: 2}
	if c.String() != "Worker,2" {
		t.Errorf("String() = %q, want Worker,2", c.String())
	}
}
