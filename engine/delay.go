package engine

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
)

// Humanization fallback bounds for sending steps with no other delay
// source. Sampling is inclusive of both ends.
const (
	humanDelayMinSec = 5
	humanDelayMaxSec = 10
)

var (
	randExprRe  = regexp.MustCompile(`^rand\((\d+)\s*,\s*(\d+)\)$`)
	rangeExprRe = regexp.MustCompile(`^(\d+)\.\.(\d+)$`)
	literalRe   = regexp.MustCompile(`^\d+$`)
)

// resolveDelaySec computes the wait for a step in strict priority order:
// manual seconds, delay expression, media duration (sending steps in
// from-file mode), the integration default when positive, then the
// humanized [5,10] fallback for sending steps, else zero.
func resolveDelaySec(step core.FunnelStep, defaultDelaySec int, rng *rand.Rand) int {
	if step.DelaySec != nil {
		if *step.DelaySec < 0 {
			return 0
		}
		return *step.DelaySec
	}

	if expr := strings.TrimSpace(step.DelayExpr); expr != "" {
		if sec, ok := evalDelayExpr(expr, rng); ok {
			return sec
		}
	}

	sending := step.Type.Sending()

	if sending && step.MediaDurationMode == core.DurationFromFile && step.MediaDurationSec > 0 {
		return step.MediaDurationSec
	}

	if defaultDelaySec > 0 {
		return defaultDelaySec
	}

	if sending {
		return randBetween(rng, humanDelayMinSec, humanDelayMaxSec)
	}

	return 0
}

// evalDelayExpr parses `rand(min,max)`, `min..max`, or a bare integer.
// Unparseable expressions report !ok so resolution falls through.
func evalDelayExpr(expr string, rng *rand.Rand) (int, bool) {
	if m := randExprRe.FindStringSubmatch(expr); m != nil {
		return randRange(rng, m[1], m[2])
	}
	if m := rangeExprRe.FindStringSubmatch(expr); m != nil {
		return randRange(rng, m[1], m[2])
	}
	if literalRe.MatchString(expr) {
		sec, err := strconv.Atoi(expr)
		if err != nil {
			return 0, false
		}
		return sec, true
	}
	return 0, false
}

func randRange(rng *rand.Rand, minStr, maxStr string) (int, bool) {
	min, err := strconv.Atoi(minStr)
	if err != nil {
		return 0, false
	}
	max, err := strconv.Atoi(maxStr)
	if err != nil {
		return 0, false
	}
	if max < min {
		min, max = max, min
	}
	return randBetween(rng, min, max), true
}

// randBetween samples a uniform integer in [min, max] inclusive.
func randBetween(rng *rand.Rand, min, max int) int {
	return min + rng.Intn(max-min+1)
}
