// Package settings holds the runtime-mutable queue configuration. Values
// live in the store and are read again on every use, so a change made with
// `queuectl config set` reaches running workers on their next cycle.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/udaykr117/queuectl/internal/job"
)

const (
	KeyMaxRetriesDefault = "max_retries_default"
	KeyBackoffBase       = "backoff_base"
	KeyPollInterval      = "poll_interval"
)

// ErrKeyNotFound is returned by Get for keys that were never set.
var ErrKeyNotFound = errors.New("config key not found")

// Defaults seeded into an empty store.
var Defaults = map[string]string{
	KeyMaxRetriesDefault: "3",
	KeyBackoffBase:       "2",
	KeyPollInterval:      "2.0",
}

// KV is the persistence the service needs. storage.Store implements it.
type KV interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	SetSettingDefault(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)
}

// Snapshot is the typed view of the settings at one instant.
type Snapshot struct {
	MaxRetriesDefault int
	BackoffBase       float64
	PollInterval      time.Duration
}

// DefaultSnapshot returns the snapshot of the built-in defaults.
func DefaultSnapshot() Snapshot {
	return Snapshot{MaxRetriesDefault: 3, BackoffBase: 2, PollInterval: 2 * time.Second}
}

type Entry struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

type Service struct {
	kv KV
}

func NewService(kv KV) *Service {
	return &Service{kv: kv}
}

// EnsureDefaults inserts every default that is not already present.
func (s *Service) EnsureDefaults(ctx context.Context) error {
	for key, value := range Defaults {
		if err := s.kv.SetSettingDefault(ctx, key, value); err != nil {
			return fmt.Errorf("seed %s: %w", key, err)
		}
	}
	return nil
}

// Snapshot reads the current values. Missing or corrupt rows fall back to
// the defaults so a bad manual edit cannot stop the workers.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	all, err := s.kv.ListSettings(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := DefaultSnapshot()
	if v, ok := all[KeyMaxRetriesDefault]; ok {
		if n, err := parseMaxRetries(v); err == nil {
			snap.MaxRetriesDefault = n
		}
	}
	if v, ok := all[KeyBackoffBase]; ok {
		if f, err := parseBackoffBase(v); err == nil {
			snap.BackoffBase = f
		}
	}
	if v, ok := all[KeyPollInterval]; ok {
		if d, err := parsePollInterval(v); err == nil {
			snap.PollInterval = d
		}
	}
	return snap, nil
}

func (s *Service) Get(ctx context.Context, key string) (string, error) {
	value, ok, err := s.kv.GetSetting(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return value, nil
}

// Set validates known keys and stores their normalized form. Unknown keys
// are stored verbatim.
func (s *Service) Set(ctx context.Context, key, value string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", job.NewError(job.ErrValidation, "", "config key is required")
	}
	normalized, err := Normalize(key, value)
	if err != nil {
		return "", err
	}
	if err := s.kv.SetSetting(ctx, key, normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

func (s *Service) List(ctx context.Context) ([]Entry, error) {
	all, err := s.kv.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(all))
	for k, v := range all {
		entries = append(entries, Entry{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Normalize validates value for key and returns its canonical text.
func Normalize(key, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch key {
	case KeyMaxRetriesDefault:
		n, err := parseMaxRetries(value)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(n), nil
	case KeyBackoffBase:
		f, err := parseBackoffBase(value)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case KeyPollInterval:
		if _, err := parsePollInterval(value); err != nil {
			return "", err
		}
		f, _ := strconv.ParseFloat(value, 64)
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	default:
		return value, nil
	}
}

func parseMaxRetries(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, job.NewError(job.ErrValidation, "", fmt.Sprintf("%s must be an integer >= 0, got %q", KeyMaxRetriesDefault, v))
	}
	return n, nil
}

func parseBackoffBase(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || !(f > 1) || f > 1e6 {
		return 0, job.NewError(job.ErrValidation, "", fmt.Sprintf("%s must be a number > 1, got %q", KeyBackoffBase, v))
	}
	return f, nil
}

func parsePollInterval(v string) (time.Duration, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || !(f > 0) || f > 86400 {
		return 0, job.NewError(job.ErrValidation, "", fmt.Sprintf("%s must be seconds > 0, got %q", KeyPollInterval, v))
	}
	d := time.Duration(f * float64(time.Second))
	if d <= 0 {
		d = time.Millisecond
	}
	return d, nil
}
