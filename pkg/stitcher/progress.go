package stitcher

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// speedEpsilon guards ETA division when ffmpeg reports a stalled speed
const speedEpsilon = 0.01

// ProgressUpdate is one decoded tick from the encoder's progress stream
type ProgressUpdate struct {
	OutTimeSeconds float64
	FPS            float64
	BitrateKbps    float64
	Speed          float64
	Done           bool
}

// Percent maps encoder position onto the processing stage's share of the
// overall job (40 to 90 percent)
func (u ProgressUpdate) Percent(totalSeconds float64) float64 {
	if totalSeconds <= 0 {
		return 40
	}
	frac := u.OutTimeSeconds / totalSeconds
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return 40 + 50*frac
}

// ETASeconds estimates remaining encode time from the speed multiplier
func (u ProgressUpdate) ETASeconds(totalSeconds float64) float64 {
	remaining := totalSeconds - u.OutTimeSeconds
	if remaining < 0 {
		remaining = 0
	}
	speed := u.Speed
	if speed < speedEpsilon {
		speed = speedEpsilon
	}
	return remaining / speed
}

// ParseProgressStream consumes ffmpeg's `-progress` key=value stream and
// invokes emit once per update block. ffmpeg terminates each block with a
// `progress=continue` or `progress=end` line. Blocks with no position yet
// (out_time_us=N/A at startup) are skipped.
func ParseProgressStream(r io.Reader, emit func(ProgressUpdate)) error {
	scanner := bufio.NewScanner(r)

	var cur ProgressUpdate
	seen := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch key {
		case "out_time_us", "out_time_ms":
			// Both fields are microseconds; out_time_ms is a misnomer
			// kept by ffmpeg for compatibility
			if us, err := strconv.ParseInt(value, 10, 64); err == nil {
				cur.OutTimeSeconds = float64(us) / 1e6
				seen = true
			}
		case "fps":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				cur.FPS = v
			}
		case "bitrate":
			// Format: "1234.5kbits/s"
			v := strings.TrimSuffix(value, "kbits/s")
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				cur.BitrateKbps = f
			}
		case "speed":
			// Format: "1.23x"
			v := strings.TrimSuffix(value, "x")
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				cur.Speed = f
			}
		case "progress":
			cur.Done = value == "end"
			if seen || cur.Done {
				emit(cur)
			}
			cur = ProgressUpdate{}
			seen = false
		}
	}

	return scanner.Err()
}
