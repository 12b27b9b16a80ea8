package scraper

import (
	"slices"
	"testing"
)

func TestChunk(t *testing.T) {
	tests := []struct {
		name    string
		items   []string
		size    int
		wantLen int
		first   []string
		last    []string
	}{
		{
			name:    "single chunk",
			items:   []string{"A", "B", "C"},
			size:    5,
			wantLen: 1,
			first:   []string{"A", "B", "C"},
			last:    []string{"A", "B", "C"},
		},
		{
			name:    "multiple chunks with remainder",
			items:   []string{"A", "B", "C", "D", "E"},
			size:    2,
			wantLen: 3,
			first:   []string{"A", "B"},
			last:    []string{"E"},
		},
		{
			name:    "exact boundary",
			items:   []string{"A", "B", "C", "D"},
			size:    2,
			wantLen: 2,
			first:   []string{"A", "B"},
			last:    []string{"C", "D"},
		},
		{
			name:    "empty input returns nil",
			items:   nil,
			size:    2,
			wantLen: 0,
		},
		{
			name:    "zero size returns nil",
			items:   []string{"A"},
			size:    0,
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Chunk(tt.items, tt.size)
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
			if tt.wantLen == 0 {
				return
			}
			if !slices.Equal(got[0], tt.first) {
				t.Errorf("first = %v, want %v", got[0], tt.first)
			}
			if !slices.Equal(got[len(got)-1], tt.last) {
				t.Errorf("last = %v, want %v", got[len(got)-1], tt.last)
			}
		})
	}
}
