package ingest

import "testing"

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name string
		text string
		min  *float64
		max  *float64
	}{
		{
			name: "explicit range",
			text: "Awards range from $50,000 to $150,000",
			min:  f(50000),
			max:  f(150000),
		},
		{
			name: "up to phrasing pins maximum",
			text: "Grants of up to $2M available",
			max:  f(2_000_000),
		},
		{
			name: "single unqualified figure is a ceiling",
			text: "$75,000 grant",
			max:  f(75000),
		},
		{
			name: "at least phrasing pins minimum",
			text: "Funding of at least $10,000",
			min:  f(10000),
		},
		{
			name: "k suffix",
			text: "between 25k and 100k",
			min:  f(25000),
			max:  f(100000),
		},
		{
			name: "no numbers",
			text: "Amount TBD",
		},
		{
			name: "empty text",
			text: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			min, max := parseAmount(tt.text)
			assertAmount(t, "min", min, tt.min)
			assertAmount(t, "max", max, tt.max)
		})
	}
}

func TestParseAmountValue(t *testing.T) {
	if _, max := parseAmountValue(float64(500000)); max == nil || *max != 500000 {
		t.Fatalf("expected max 500000, got %v", max)
	}
	if min, max := parseAmountValue(nil); min != nil || max != nil {
		t.Fatal("nil input must yield nil bounds")
	}
	if _, max := parseAmountValue("up to $1.5m"); max == nil || *max != 1_500_000 {
		t.Fatalf("expected max 1500000, got %v", max)
	}
}

func assertAmount(t *testing.T, label string, got, want *float64) {
	t.Helper()
	if want == nil {
		if got != nil {
			t.Errorf("%s: expected nil, got %v", label, *got)
		}
		return
	}
	if got == nil {
		t.Errorf("%s: expected %v, got nil", label, *want)
		return
	}
	if *got != *want {
		t.Errorf("%s: expected %v, got %v", label, *want, *got)
	}
}

func f(v float64) *float64 { return &v }
