package pool

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/poemonsense/codeassist-gateway/internal/config"
)

var (
	resetAfterRegex = regexp.MustCompile(`(?i)reset\s+after\s+(\d+(?:\.\d+)?)\s*s`)
	quotaDelayRegex = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)`)
	retrySecRegex   = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
)

// resetCushionMs pads a parsed reset hint so we do not re-select the account
// a moment before the upstream actually recovers.
const resetCushionMs = 1000

// ParseResetHint extracts a cooldown duration in milliseconds from an
// upstream capacity message. Returns -1 when the message carries no hint.
func ParseResetHint(message string) int64 {
	if message == "" {
		return -1
	}

	if match := resetAfterRegex.FindStringSubmatch(message); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		return int64(value*1000) + resetCushionMs
	}

	if match := quotaDelayRegex.FindStringSubmatch(message); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		ms := int64(value)
		if strings.EqualFold(match[2], "s") {
			ms = int64(value * 1000)
		}
		return ms + resetCushionMs
	}

	if match := retrySecRegex.FindStringSubmatch(message); match != nil {
		seconds, _ := strconv.ParseInt(match[1], 10, 64)
		return seconds*1000 + resetCushionMs
	}

	return -1
}

// backoffForHit returns the tiered default cooldown for the n-th consecutive
// capacity hit on an (account, model) pair (first hit is n=1).
func backoffForHit(hit int) int64 {
	tiers := config.CapacityBackoffTiersMs
	if hit < 1 {
		hit = 1
	}
	if hit > len(tiers) {
		hit = len(tiers)
	}
	return tiers[hit-1]
}
