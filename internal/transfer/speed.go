package transfer

import "fmt"

// FormatSpeed renders a transfer rate in B/s, KB/s or MB/s by magnitude.
func FormatSpeed(bytesPerSecond float64) string {
	switch {
	case bytesPerSecond < 1024:
		return fmt.Sprintf("%.2f B/s", bytesPerSecond)
	case bytesPerSecond < 1024*1024:
		return fmt.Sprintf("%.2f KB/s", bytesPerSecond/1024)
	default:
		return fmt.Sprintf("%.2f MB/s", bytesPerSecond/(1024*1024))
	}
}
