package util

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{2048, "2.00 KiB"},
		{5 * MiB, "5.00 MiB"},
		{3 * GiB, "3.00 GiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "00:00:00"},
		{59, "00:00:59"},
		{3661, "01:01:01"},
		{-5, "??:??:??"},
		{math.NaN(), "??:??:??"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSizeReductionPercent(t *testing.T) {
	if got := SizeReductionPercent(100, 40); got != 60 {
		t.Errorf("reduction = %.1f, want 60", got)
	}
	if got := SizeReductionPercent(0, 40); got != 0 {
		t.Errorf("zero input size: %.1f", got)
	}
	if got := SizeReductionPercent(100, 150); got != 0 {
		t.Errorf("grown output clamps to 0, got %.1f", got)
	}
}

func TestEnsureDirectoryAndFileExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureDirectory(dir); err != nil {
		t.Fatalf("EnsureDirectory: %v", err)
	}
	if FileExists(dir) {
		t.Error("directory reported as file")
	}

	file := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !FileExists(file) {
		t.Error("existing file not detected")
	}
}
