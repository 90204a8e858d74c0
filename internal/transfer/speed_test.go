package transfer

import "testing"

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		bps  float64
		want string
	}{
		{0, "0.00 B/s"},
		{512, "512.00 B/s"},
		{1023, "1023.00 B/s"},
		{1024, "1.00 KB/s"},
		{1536, "1.50 KB/s"},
		{1024 * 1024, "1.00 MB/s"},
		{5.5 * 1024 * 1024, "5.50 MB/s"},
	}

	for _, tt := range tests {
		if got := FormatSpeed(tt.bps); got != tt.want {
			t.Errorf("FormatSpeed(%v) = %q, expected %q", tt.bps, got, tt.want)
		}
	}
}
