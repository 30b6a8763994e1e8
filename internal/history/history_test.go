package history

import (
	"context"
	"testing"
	"time"
)

func TestFilter_Match(t *testing.T) {
	t.Parallel()
	r := Record{OutputPath: "/music/Song_432Hz.FLAC", TargetHz: 432}
	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"zero filter", Filter{}, true},
		{"exact target", Filter{TargetHz: 432}, true},
		{"within tolerance", Filter{TargetHz: 432.005}, true},
		{"outside tolerance", Filter{TargetHz: 432.02}, false},
		{"other target", Filter{TargetHz: 528}, false},
		{"extension case-insensitive", Filter{Extension: ".flac"}, true},
		{"extension without dot", Filter{Extension: "flac"}, true},
		{"other extension", Filter{Extension: ".mp3"}, false},
		{"both match", Filter{TargetHz: 432, Extension: ".flac"}, true},
		{"one of two fails", Filter{TargetHz: 528, Extension: ".flac"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.f.Match(r); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilter_MatchToleranceIsExclusive(t *testing.T) {
	t.Parallel()
	// 0.02 - 0.01 is exactly 0.01 in float64.
	r := Record{TargetHz: 0.02}
	if (Filter{TargetHz: 0.01}).Match(r) {
		t.Error("record exactly TargetTolerance away matched")
	}
	if !(Filter{TargetHz: 0.015}).Match(r) {
		t.Error("record inside TargetTolerance did not match")
	}
}

func newTestMemStore(start time.Time) *MemStore {
	m := NewMemStore()
	clock := start
	m.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return m
}

func TestMemStore_AppendAssignsIDAndTime(t *testing.T) {
	t.Parallel()
	m := newTestMemStore(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	a, err := m.Append(ctx, Record{InputPath: "a.wav", OutputPath: "a_432Hz.wav", TargetHz: 432})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	b, _ := m.Append(ctx, Record{InputPath: "b.wav", OutputPath: "b_432Hz.wav", TargetHz: 432})
	if a.ID != 1 || b.ID != 2 {
		t.Errorf("IDs = %d, %d; want 1, 2", a.ID, b.ID)
	}
	if !b.CreatedAt.After(a.CreatedAt) {
		t.Errorf("CreatedAt not increasing: %v, %v", a.CreatedAt, b.CreatedAt)
	}

	fixed := time.Date(2020, 5, 5, 0, 0, 0, 0, time.UTC)
	c, _ := m.Append(ctx, Record{CreatedAt: fixed})
	if !c.CreatedAt.Equal(fixed) {
		t.Errorf("explicit CreatedAt overwritten: %v", c.CreatedAt)
	}
}

func TestMemStore_ListNewestFirst(t *testing.T) {
	t.Parallel()
	m := newTestMemStore(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	for _, r := range []Record{
		{OutputPath: "one_432Hz.flac", TargetHz: 432},
		{OutputPath: "two_528Hz.mp3", TargetHz: 528},
		{OutputPath: "three_432Hz.mp3", TargetHz: 432},
		{OutputPath: "four_432Hz.flac", TargetHz: 432},
	} {
		if _, err := m.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Backdated record must sort last.
	if _, err := m.Append(ctx, Record{OutputPath: "old_432Hz.flac", TargetHz: 432, CreatedAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	tests := []struct {
		name string
		f    Filter
		want []string
	}{
		{"all", Filter{}, []string{"four_432Hz.flac", "three_432Hz.mp3", "two_528Hz.mp3", "one_432Hz.flac", "old_432Hz.flac"}},
		{"target", Filter{TargetHz: 432}, []string{"four_432Hz.flac", "three_432Hz.mp3", "one_432Hz.flac", "old_432Hz.flac"}},
		{"extension", Filter{Extension: ".mp3"}, []string{"three_432Hz.mp3", "two_528Hz.mp3"}},
		{"limit", Filter{TargetHz: 432, Limit: 2}, []string{"four_432Hz.flac", "three_432Hz.mp3"}},
		{"no match", Filter{TargetHz: 444}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.List(ctx, tt.f)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.want))
			}
			for i, r := range got {
				if r.OutputPath != tt.want[i] {
					t.Errorf("[%d] = %q, want %q", i, r.OutputPath, tt.want[i])
				}
			}
		})
	}
}

func TestMemStore_CancelledContext(t *testing.T) {
	t.Parallel()
	m := NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Append(ctx, Record{}); err == nil {
		t.Error("Append with cancelled context should fail")
	}
	if _, err := m.List(ctx, Filter{}); err == nil {
		t.Error("List with cancelled context should fail")
	}
	if err := m.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
