package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/udaykr117/queuectl/internal/job"
)

type memoryKV struct {
	values map[string]string
	err    error
}

func newMemoryKV() *memoryKV { return &memoryKV{values: map[string]string{}} }

func (m *memoryKV) GetSetting(_ context.Context, key string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memoryKV) SetSetting(_ context.Context, key, value string) error {
	if m.err != nil {
		return m.err
	}
	m.values[key] = value
	return nil
}

func (m *memoryKV) SetSettingDefault(_ context.Context, key, value string) error {
	if _, ok := m.values[key]; !ok {
		m.values[key] = value
	}
	return nil
}

func (m *memoryKV) ListSettings(context.Context) (map[string]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func TestEnsureDefaultsKeepsExistingValues(t *testing.T) {
	kv := newMemoryKV()
	kv.values[KeyBackoffBase] = "3"
	svc := NewService(kv)

	if err := svc.EnsureDefaults(context.Background()); err != nil {
		t.Fatalf("ensure defaults: %v", err)
	}
	snap, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	want := Snapshot{MaxRetriesDefault: 3, BackoffBase: 3, PollInterval: 2 * time.Second}
	if snap != want {
		t.Fatalf("snapshot = %+v, want %+v", snap, want)
	}
}

func TestSetValidatesKnownKeys(t *testing.T) {
	svc := NewService(newMemoryKV())
	ctx := context.Background()

	tests := []struct {
		key, value string
		want       string
		wantErr    bool
	}{
		{key: KeyMaxRetriesDefault, value: "5", want: "5"},
		{key: KeyMaxRetriesDefault, value: "0", want: "0"},
		{key: KeyMaxRetriesDefault, value: "-1", wantErr: true},
		{key: KeyMaxRetriesDefault, value: "two", wantErr: true},
		{key: KeyBackoffBase, value: "1.5", want: "1.5"},
		{key: KeyBackoffBase, value: "1", wantErr: true},
		{key: KeyPollInterval, value: "0.25", want: "0.25"},
		{key: KeyPollInterval, value: "0", wantErr: true},
		{key: "owner", value: "ops team", want: "ops team"},
		{key: " ", value: "x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s=%s", tt.key, tt.value), func(t *testing.T) {
			got, err := svc.Set(ctx, tt.key, tt.value)
			if tt.wantErr {
				if !errors.Is(err, job.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("set: %v", err)
			}
			if got != tt.want {
				t.Fatalf("normalized = %q, want %q", got, tt.want)
			}
			stored, err := svc.Get(ctx, tt.key)
			if err != nil || stored != tt.want {
				t.Fatalf("get = %q, %v", stored, err)
			}
		})
	}
}

func TestSnapshotIsReadFresh(t *testing.T) {
	svc := NewService(newMemoryKV())
	ctx := context.Background()
	if err := svc.EnsureDefaults(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Set(ctx, KeyPollInterval, "0.5"); err != nil {
		t.Fatal(err)
	}
	snap, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.PollInterval != 500*time.Millisecond {
		t.Fatalf("poll interval = %v", snap.PollInterval)
	}
}

func TestSnapshotIgnoresCorruptRows(t *testing.T) {
	kv := newMemoryKV()
	kv.values[KeyBackoffBase] = "banana"
	snap, err := NewService(kv).Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.BackoffBase != 2 {
		t.Fatalf("backoff base = %v", snap.BackoffBase)
	}
}

func TestGetMissingKey(t *testing.T) {
	_, err := NewService(newMemoryKV()).Get(context.Background(), "nope")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	kv := newMemoryKV()
	kv.err = job.ErrStoreUnavailable
	if _, err := NewService(kv).Snapshot(context.Background()); !errors.Is(err, job.ErrStoreUnavailable) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestNormalizeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff_base accepted iff > 1", prop.ForAll(
		func(f float64) bool {
			_, err := Normalize(KeyBackoffBase, strconv.FormatFloat(f, 'g', -1, 64))
			return (err == nil) == (f > 1)
		},
		gen.Float64Range(-10, 100),
	))

	properties.Property("max_retries_default accepted iff >= 0", prop.ForAll(
		func(n int) bool {
			_, err := Normalize(KeyMaxRetriesDefault, fmt.Sprintf("%d", n))
			return (err == nil) == (n >= 0)
		},
		gen.IntRange(-100, 100),
	))

	properties.Property("normalized values round-trip", prop.ForAll(
		func(f float64) bool {
			once, err := Normalize(KeyPollInterval, strconv.FormatFloat(f, 'g', -1, 64))
			if err != nil {
				return false
			}
			twice, err := Normalize(KeyPollInterval, once)
			return err == nil && once == twice
		},
		gen.Float64Range(0.001, 3600),
	))

	properties.TestingRun(t)
}
