package main

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// humanBytes renders n as "1,048,576 B (1.0 MiB)".
func humanBytes(n uintptr) string {
	exact := printer.Sprintf("%d B", uint64(n))
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	if n < 1024 {
		return exact
	}
	v := float64(n) / 1024
	u := 0
	for v >= 1024 && u < len(units)-1 {
		v /= 1024
		u++
	}
	return fmt.Sprintf("%s (%.1f %s)", exact, v, units[u])
}

// count renders n with thousands separators.
func count(n int) string {
	return printer.Sprintf("%d", n)
}

// parseSize parses sizes such as "4096", "0x1000", "64K", "16MiB" or "1G".
func parseSize(s string) (uintptr, error) {
	orig := s
	s = strings.TrimSpace(s)
	mult := uint64(1)
	upper := strings.ToUpper(s)
	for _, suf := range []struct {
		name string
		mult uint64
	}{
		{"KIB", 1 << 10}, {"MIB", 1 << 20}, {"GIB", 1 << 30},
		{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30},
		{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30},
		{"B", 1},
	} {
		if strings.HasSuffix(upper, suf.name) && !strings.HasPrefix(upper, "0X") {
			s = strings.TrimSpace(s[:len(s)-len(suf.name)])
			mult = suf.mult
			break
		}
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", orig)
	}
	if n != 0 && n*mult/mult != n {
		return 0, fmt.Errorf("size %q overflows", orig)
	}
	return uintptr(n * mult), nil
}
