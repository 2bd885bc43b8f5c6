package location

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
)

// DumpsysSource reads the platform location service state on Android field
// tablets that run the gateway under Termux.
type DumpsysSource struct {
	// Path of the dumpsys binary; /system/bin/dumpsys when empty.
	Path string

	run func(ctx context.Context, path string) ([]byte, error)
}

func (d *DumpsysSource) Name() string { return "dumpsys" }

func (d *DumpsysSource) Fix(ctx context.Context) (*Fix, error) {
	path := d.Path
	if path == "" {
		path = "/system/bin/dumpsys"
	}
	run := d.run
	if run == nil {
		run = func(ctx context.Context, path string) ([]byte, error) {
			return exec.CommandContext(ctx, path, "location").Output()
		}
	}
	out, err := run(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("dumpsys location: %w", err)
	}
	return parseDumpsys(string(out))
}

// Compiled once; the source is sampled repeatedly during acquisition.
var (
	gnssRe     = regexp.MustCompile(`(?s)LatitudeDegrees:\s*([-0-9\.]+).*?LongitudeDegrees:\s*([-0-9\.]+).*?altitudeMeters:\s*([-0-9\.]+).*?horizontalAccuracyMeters:\s*([-0-9\.]+)`)
	gpsRe      = regexp.MustCompile(`(?m)^\s*gps:\s*Location\[([^]]*)]`)
	networkRe  = regexp.MustCompile(`(?m)^\s*network:\s*Location\[([^]]*)]`)
	latLonRe   = regexp.MustCompile(`(-?[0-9]+\.[0-9]+),(-?[0-9]+\.[0-9]+)`)
	hAccRe     = regexp.MustCompile(`hAcc=([0-9\.]+)`)
	altitudeRe = regexp.MustCompile(`alt=(-?[0-9\.]+)`)
)

// parseDumpsys prefers the GNSS engine block, then the last known gps and
// network locations.
func parseDumpsys(out string) (*Fix, error) {
	if m := gnssRe.FindStringSubmatch(out); m != nil {
		return &Fix{
			Latitude:  parseNum(m[1]),
			Longitude: parseNum(m[2]),
			Altitude:  parseNum(m[3]),
			Accuracy:  parseNum(m[4]),
			Provider:  "gps",
		}, nil
	}

	for _, p := range []struct {
		provider string
		re       *regexp.Regexp
	}{{"gps", gpsRe}, {"network", networkRe}} {
		m := p.re.FindStringSubmatch(out)
		if m == nil {
			continue
		}
		ll := latLonRe.FindStringSubmatch(m[1])
		if ll == nil {
			continue
		}
		return &Fix{
			Latitude:  parseNum(ll[1]),
			Longitude: parseNum(ll[2]),
			Accuracy:  submatchNum(hAccRe, m[1]),
			Altitude:  submatchNum(altitudeRe, m[1]),
			Provider:  p.provider,
		}, nil
	}
	return nil, fmt.Errorf("no location information found in dumpsys output")
}

func submatchNum(re *regexp.Regexp, s string) float64 {
	if m := re.FindStringSubmatch(s); m != nil {
		return parseNum(m[1])
	}
	return 0
}

func parseNum(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
