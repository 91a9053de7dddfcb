package provision

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "unit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestWrite_AndReadBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Write(ctx, PartitionFactory, map[string]any{
		"unit_id":     "ENV-0042",
		"wifi.region": "EU",
	})
	if err != nil {
		t.Fatal(err)
	}

	fields, err := s.Partition(ctx, PartitionFactory)
	if err != nil {
		t.Fatal(err)
	}
	if fields["unit_id"] != "ENV-0042" {
		t.Errorf("unit_id = %v", fields["unit_id"])
	}
	if fields["wifi.region"] != "EU" {
		t.Errorf("wifi.region = %v", fields["wifi.region"])
	}
}

func TestWrite_UnknownPartition(t *testing.T) {
	s := openTestStore(t)

	err := s.Write(context.Background(), "vendor", map[string]any{"x": 1})
	if err == nil {
		t.Error("expected error for unknown partition")
	}
}

func TestWrite_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fields := map[string]any{"unit_id": "ENV-0042", "ble.tx_power": float64(4)}
	for i := 0; i < 3; i++ {
		if err := s.Write(ctx, PartitionFactory, fields); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Partition(ctx, PartitionFactory)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("re-running a write must not duplicate rows, got %v", got)
	}
	if got["ble.tx_power"] != float64(4) {
		t.Errorf("ble.tx_power = %v", got["ble.tx_power"])
	}
}

func TestWrite_LastWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Write(ctx, PartitionConsumer, map[string]any{"wifi.ssid": "old"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, PartitionConsumer, map[string]any{"wifi.ssid": "new"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Partition(ctx, PartitionConsumer)
	if err != nil {
		t.Fatal(err)
	}
	if got["wifi.ssid"] != "new" {
		t.Errorf("wifi.ssid = %v, want new", got["wifi.ssid"])
	}
}

func TestPartitionIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Write(ctx, PartitionFactory, map[string]any{"unit_id": "ENV-0042"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, PartitionConsumer, map[string]any{"wifi.ssid": "HomeNet"}); err != nil {
		t.Fatal(err)
	}

	factory, consumer, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := factory["wifi.ssid"]; ok {
		t.Error("consumer field leaked into factory partition")
	}
	if _, ok := consumer["unit_id"]; ok {
		t.Error("factory field leaked into consumer partition")
	}
}

func TestHasFactory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	has, err := s.HasFactory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("fresh store must report no factory record")
	}

	// Consumer writes alone do not make a unit provisioned.
	if err := s.Write(ctx, PartitionConsumer, map[string]any{"wifi.ssid": "x"}); err != nil {
		t.Fatal(err)
	}
	if has, _ = s.HasFactory(ctx); has {
		t.Error("consumer attributes must not count as factory provisioning")
	}

	if err := s.Write(ctx, PartitionFactory, map[string]any{"unit_id": "ENV-0042"}); err != nil {
		t.Fatal(err)
	}
	if has, _ = s.HasFactory(ctx); !has {
		t.Error("store with factory attributes must report provisioned")
	}
}

func TestEraseConsumer_FactorySurvives(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Write(ctx, PartitionFactory, map[string]any{"unit_id": "ENV-0042"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, PartitionConsumer, map[string]any{"wifi.ssid": "HomeNet"}); err != nil {
		t.Fatal(err)
	}

	if err := s.EraseConsumer(ctx); err != nil {
		t.Fatal(err)
	}

	factory, consumer, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(consumer) != 0 {
		t.Errorf("consumer partition should be empty, got %v", consumer)
	}
	if factory["unit_id"] != "ENV-0042" {
		t.Errorf("factory partition must survive a soft reset, got %v", factory)
	}
}

func TestEraseAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Write(ctx, PartitionFactory, map[string]any{"unit_id": "ENV-0042"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, PartitionConsumer, map[string]any{"wifi.ssid": "HomeNet"}); err != nil {
		t.Fatal(err)
	}

	if err := s.EraseAll(ctx); err != nil {
		t.Fatal(err)
	}

	factory, consumer, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(factory) != 0 || len(consumer) != 0 {
		t.Errorf("hard reset must wipe both partitions, got %v / %v", factory, consumer)
	}

	has, _ := s.HasFactory(ctx)
	if has {
		t.Error("unit must be unprovisioned after a hard reset")
	}
}

func TestValuesRoundTripTypes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Write(ctx, PartitionConsumer, map[string]any{
		"environment.safe_min_c": float64(-10.5),
		"environment.safe_max_c": float64(35),
		"notes":                  map[string]any{"installer": "bench-3"},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Partition(ctx, PartitionConsumer)
	if err != nil {
		t.Fatal(err)
	}
	if got["environment.safe_min_c"] != float64(-10.5) {
		t.Errorf("numeric value lost precision: %v", got["environment.safe_min_c"])
	}
	nested, ok := got["notes"].(map[string]any)
	if !ok || nested["installer"] != "bench-3" {
		t.Errorf("object value did not round-trip: %v", got["notes"])
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, PartitionFactory, map[string]any{"unit_id": "ENV-0042"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s2.Close() }()

	has, err := s2.HasFactory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("factory record must survive reopen")
	}
}
