package record

import (
	"errors"
	"testing"
)

func TestParseDisease(t *testing.T) {
	tests := []struct {
		in      string
		want    Disease
		wantErr bool
	}{
		{"normal", DiseaseNormal, false},
		{"uveitis", DiseaseUveitis, false},
		{"conjunctivitis", DiseaseConjunctivitis, false},
		{"cataract", DiseaseCataract, false},
		{"eyelid_drooping", DiseaseEyelidDrooping, false},
		{"glaucoma", "", true},
		{"Cataract", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDisease(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidLabel) {
				t.Errorf("ParseDisease(%q) error = %v, want ErrInvalidLabel", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDisease(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDisease(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewAnalysisSortsAndDerivesPrimary(t *testing.T) {
	primary, sorted, err := NewAnalysis([]Detection{
		{Disease: DiseaseNormal, Confidence: 0.1, Percentage: 10},
		{Disease: DiseaseCataract, Confidence: 0.7, Percentage: 70},
		{Disease: DiseaseUveitis, Confidence: 0.2, Percentage: 20},
	})
	if err != nil {
		t.Fatalf("NewAnalysis: %v", err)
	}
	if primary != DiseaseCataract {
		t.Errorf("primary = %q, want cataract", primary)
	}
	if sorted[0].Disease != primary {
		t.Errorf("sorted[0] = %q, must equal primary %q", sorted[0].Disease, primary)
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Confidence > sorted[i-1].Confidence {
			t.Errorf("detections not in descending order at %d", i)
		}
	}
}

func TestNewAnalysisStableForTies(t *testing.T) {
	primary, _, err := NewAnalysis([]Detection{
		{Disease: DiseaseUveitis, Confidence: 0.5},
		{Disease: DiseaseCataract, Confidence: 0.5},
	})
	if err != nil {
		t.Fatalf("NewAnalysis: %v", err)
	}
	if primary != DiseaseUveitis {
		t.Errorf("primary = %q, want first of tied entries", primary)
	}
}

func TestNewAnalysisRejectsBadInput(t *testing.T) {
	if _, _, err := NewAnalysis(nil); err == nil {
		t.Error("expected error for empty detections")
	}
	_, _, err := NewAnalysis([]Detection{{Disease: "glaucoma", Confidence: 0.9}})
	if !errors.Is(err, ErrInvalidLabel) {
		t.Errorf("error = %v, want ErrInvalidLabel", err)
	}
}
