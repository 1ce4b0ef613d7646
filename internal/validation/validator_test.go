package validation

import (
	"errors"
	"strings"
	"testing"
)

type sample struct {
	From  string `json:"from" validate:"required,datetime=2006-01-02"`
	Limit int    `json:"limit" validate:"omitempty,min=1,max=20"`
	Kind  string `json:"kind" validate:"omitempty,oneof=a b"`
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name      string
		in        sample
		wantErr   bool
		wantField string
	}{
		{name: "valid", in: sample{From: "2025-01-01", Limit: 20}},
		{name: "missing from", in: sample{Limit: 5}, wantErr: true, wantField: "from"},
		{name: "bad date", in: sample{From: "01/02/2025"}, wantErr: true, wantField: "from"},
		{name: "limit too large", in: sample{From: "2025-01-01", Limit: 21}, wantErr: true, wantField: "limit"},
		{name: "bad oneof", in: sample{From: "2025-01-01", Kind: "c"}, wantErr: true, wantField: "kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(&tt.in)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verrs Errors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected Errors, got %T (%v)", err, err)
			}
			if !strings.HasSuffix(verrs[0].Field, tt.wantField) {
				t.Errorf("expected field %q, got %q", tt.wantField, verrs[0].Field)
			}
		})
	}
}
