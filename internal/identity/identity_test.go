package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

type fakeLookup struct {
	mappings map[Field]map[string]string
	calls    int
	err      error
}

func (f *fakeLookup) Lookup(_ context.Context, _ string, field, externalID string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.mappings[Field(field)][externalID], nil
}

const internalID = "6f1c2b9e-3d4a-4c5b-8e7f-0a1b2c3d4e5f"

func TestRunResolve(t *testing.T) {
	lookup := &fakeLookup{mappings: map[Field]map[string]string{
		FieldChannelListingID: {"L-1": "prop-channel"},
		FieldLegacyListingID:  {"L-1": "prop-legacy", "L-2": "prop-legacy-2"},
		FieldPropertyCode:     {"SEA-01": "prop-code"},
	}}

	tests := []struct {
		name       string
		candidates []string
		wantID     string
		wantMethod Method
		wantField  Field
	}{
		{"internal id used as-is", []string{internalID}, internalID, MethodInternal, ""},
		{"field priority", []string{"L-1"}, "prop-channel", MethodMapping, FieldChannelListingID},
		{"legacy field", []string{"L-2"}, "prop-legacy-2", MethodMapping, FieldLegacyListingID},
		{"property code", []string{"SEA-01"}, "prop-code", MethodMapping, FieldPropertyCode},
		{"first resolvable candidate", []string{"", "unknown", "SEA-01"}, "prop-code", MethodMapping, FieldPropertyCode},
		{"mapping beats coercion", []string{"64b7f0c2a1d3e4f5a6b7c8d9", "L-2"}, "prop-legacy-2", MethodMapping, FieldLegacyListingID},
		{"coerced object id", []string{"64b7f0c2a1d3e4f5a6b7c8d9"}, "64b7f0c2-a1d3-44f5-a6b7-c8d964b7f0c2", MethodCoerced, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := NewRun(lookup, "org-1")
			got, err := run.Resolve(context.Background(), tt.candidates)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got.PropertyID != tt.wantID || got.Method != tt.wantMethod || got.Field != tt.wantField {
				t.Errorf("got %+v, want id=%s method=%s field=%s", got, tt.wantID, tt.wantMethod, tt.wantField)
			}
		})
	}
}

func TestRunResolveUnresolved(t *testing.T) {
	run := NewRun(&fakeLookup{}, "org-1")

	for _, candidates := range [][]string{nil, {""}, {"abc", "not-hex-but-twenty-four!"}} {
		_, err := run.Resolve(context.Background(), candidates)
		var unresolved *UnresolvedError
		if !errors.As(err, &unresolved) {
			t.Fatalf("Resolve(%v) err = %v, want UnresolvedError", candidates, err)
		}
		for _, c := range unresolved.Candidates {
			if c == "" {
				t.Errorf("empty candidate reported")
			}
		}
	}
}

func TestRunResolveLookupError(t *testing.T) {
	boom := errors.New("db closed")
	run := NewRun(&fakeLookup{err: boom}, "org-1")

	_, err := run.Resolve(context.Background(), []string{"L-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped lookup error", err)
	}
	var unresolved *UnresolvedError
	if errors.As(err, &unresolved) {
		t.Error("lookup failure reported as unresolved")
	}
}

func TestRunCachesPerRun(t *testing.T) {
	lookup := &fakeLookup{mappings: map[Field]map[string]string{
		FieldPropertyCode: {"SEA-01": "prop-code"},
	}}
	resolver := NewResolver(lookup)

	run := resolver.NewRun("org-1")
	for i := 0; i < 5; i++ {
		got, err := run.Resolve(context.Background(), []string{"SEA-01"})
		if err != nil || got.PropertyID != "prop-code" {
			t.Fatalf("Resolve = %+v, %v", got, err)
		}
	}
	if lookup.calls != len(Priority) {
		t.Errorf("lookups = %d, want %d", lookup.calls, len(Priority))
	}

	// A second run does not see the first run's cache but resolves identically.
	other := resolver.NewRun("org-1")
	got, _ := other.Resolve(context.Background(), []string{"SEA-01"})
	if got.PropertyID != "prop-code" {
		t.Errorf("second run = %+v", got)
	}
	if lookup.calls != 2*len(Priority) {
		t.Errorf("lookups = %d, want %d", lookup.calls, 2*len(Priority))
	}
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"64b7f0c2a1d3e4f5a6b7c8d9", "64b7f0c2-a1d3-44f5-a6b7-c8d964b7f0c2", true},
		{"64B7F0C2A1D3E4F5A6B7C8D9", "64b7f0c2-a1d3-44f5-a6b7-c8d964b7f0c2", true},
		{"000000000000000000000000", "00000000-0000-4000-8000-000000000000", true},
		{"ffffffffffffffffffffffff", "ffffffff-ffff-4fff-bfff-ffffffffffff", true},
		{"64b7f0c2a1d3e4f5a6b7c8d", "", false},
		{"zzb7f0c2a1d3e4f5a6b7c8d9", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := Coerce(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Coerce(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		parsed, err := uuid.Parse(got)
		if err != nil {
			t.Errorf("Coerce(%q) not a UUID: %v", tt.in, err)
			continue
		}
		if parsed.Version() != 4 || parsed.Variant() != uuid.RFC4122 {
			t.Errorf("Coerce(%q) version=%d variant=%v", tt.in, parsed.Version(), parsed.Variant())
		}
		if !IsInternalID(got) {
			t.Errorf("Coerce(%q) output not internal-shaped", tt.in)
		}
		again, _ := Coerce(tt.in)
		if again != got {
			t.Errorf("Coerce not deterministic")
		}
	}
}
