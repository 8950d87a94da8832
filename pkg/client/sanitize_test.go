package client

import "testing"

func TestSanitizeProviderName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple", "BKK", "BKK"},
		{"spaces", "De Lijn", "De_Lijn"},
		{"accents folded", "Volánbusz", "Volanbusz"},
		{"comma cuts trailing detail", "BKK, Budapest", "BKK"},
		{"dash separator cuts", "SNCB - NMBS", "SNCB"},
		{"punctuation collapses", "A.B.  C", "A_B_C"},
		{"leading and trailing stripped", "  (BKK)  ", "BKK"},
		{"digits kept", "Linz Linien 2024", "Linz_Linien_2024"},
		{"empty", "", ""},
		{"only punctuation", "***", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeProviderName(tt.input); got != tt.want {
				t.Errorf("SanitizeProviderName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
