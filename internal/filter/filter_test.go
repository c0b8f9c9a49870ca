package filter

import (
	"strings"
	"testing"
)

func TestDefaultEqualizerHasFifteenBands(t *testing.T) {
	bands := DefaultEqualizer()
	if len(bands) != EqualizerBands {
		t.Fatalf("DefaultEqualizer() has %d bands, want %d", len(bands), EqualizerBands)
	}
	for i, b := range bands {
		if b.Band != i || b.Gain != 0 {
			t.Fatalf("band %d = %+v, want {Band:%d Gain:0}", i, b, i)
		}
	}
}

func TestBuildEmptySpec(t *testing.T) {
	chain := Build(Spec{})
	if chain.Graph != "" {
		t.Fatalf("empty spec produced graph %q", chain.Graph)
	}
	if chain.Rate != 1 {
		t.Fatalf("empty spec rate = %v, want 1", chain.Rate)
	}
}

func TestBuildNeutralTimescaleRateIsOne(t *testing.T) {
	chain := Build(Spec{Timescale: &Timescale{Rate: 1, Pitch: 1, Speed: 1}})
	if chain.Rate != 1 {
		t.Fatalf("neutral timescale rate = %v, want 1", chain.Rate)
	}
}

func TestBuildTimescaleDoublesReportedRate(t *testing.T) {
	chain := Build(Spec{Timescale: &Timescale{Speed: 2.0}})
	if chain.Rate != 2.0 {
		t.Fatalf("speed=2 rate = %v, want 2", chain.Rate)
	}
	if !strings.Contains(chain.Graph, "atempo=2") {
		t.Fatalf("graph %q missing atempo=2", chain.Graph)
	}
}

func TestBuildOrdersFiltersPerSpec(t *testing.T) {
	v := 0.5
	chain := Build(Spec{
		Volume:   &v,
		LowPass:  &LowPass{Smoothing: 20},
		Rotation: &Rotation{RotationHz: 0.2},
	})
	volIdx := strings.Index(chain.Graph, "volume=")
	rotIdx := strings.Index(chain.Graph, "apulsator=")
	lpIdx := strings.Index(chain.Graph, "lowpass=")
	if !(volIdx < rotIdx && rotIdx < lpIdx) {
		t.Fatalf("filters out of order: %q", chain.Graph)
	}
	if !strings.Contains(chain.Graph, "lowpass=f=25") {
		t.Fatalf("expected lowpass cutoff 500/20=25, got %q", chain.Graph)
	}
}

func TestIsEmpty(t *testing.T) {
	if !(Spec{}).IsEmpty() {
		t.Fatal("zero-value Spec should be empty")
	}
	v := 1.0
	if (Spec{Volume: &v}).IsEmpty() {
		t.Fatal("spec with volume should not be empty")
	}
}
