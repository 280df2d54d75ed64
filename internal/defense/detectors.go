package defense

import (
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/rules"
)

// Direct attempts to replace the caller's instructions or inject a system turn.
var overridePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(ignore|forget|disregard|override)\s+(all\s+|any\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|context|rules)`),
	regexp.MustCompile(`(?i)new\s+(instructions?|system\s+prompt|directives?)\s*:`),
	regexp.MustCompile(`(?i)<\s*/?\s*system\s*>`),
	regexp.MustCompile(`(?i)\[\s*/?\s*(system|inst)\s*\]`),
	regexp.MustCompile(`(?i)(end|stop)\s+of\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`-{3,}\s*(?i:(end|new|start)\s+(of\s+)?(prompt|instructions?|system))`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+prompt|hidden\s+instructions?)`),
}

// Attempts to reassign the model's role or unlock a "mode".
var rolePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my|the)\b`),
	regexp.MustCompile(`(?i)from\s+now\s+on,?\s+you\s+(are|will|must)\b`),
	regexp.MustCompile(`(?i)(pretend|behave)\s+(to\s+be|as\s+if\s+you\s+are|as)\s+(a|an)\s+\w+`),
	regexp.MustCompile(`(?i)simulate\s+being\b`),
	regexp.MustCompile(`(?i)\b(DAN|developer|sudo|god)\s+mode\b`),
	regexp.MustCompile(`(?i)\bjailbreak`),
}

var decodeRequest = regexp.MustCompile(`(?i)(decode|decrypt|deobfuscate)\s+(the\s+)?following\s+and\s+(follow|execute|run)`)

// Zero-width, joiner and bidi override code points used to split or reorder keywords.
var invisibleRunes = []*unicode.RangeTable{
	{R16: []unicode.Range16{
		{Lo: 0x200b, Hi: 0x200f, Stride: 1},
		{Lo: 0x202a, Hi: 0x202e, Stride: 1},
		{Lo: 0x2060, Hi: 0x2064, Stride: 1},
		{Lo: 0x2066, Hi: 0x2069, Stride: 1},
		{Lo: 0xfeff, Hi: 0xfeff, Stride: 1},
	}},
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// rescan runs the two phrase detectors over derived text (decoded or normalized) and
// returns the strongest severity that fired.
func rescan(set *rules.Set, text string) (domain.Verdict, bool) {
	sev, fired := domain.VerdictClean, false
	if matchAny(overridePatterns, text) {
		sev, fired = maxVerdict(sev, set.Severity(rules.DetectorInstructionOverride)), true
	}
	if matchAny(rolePatterns, text) {
		sev, fired = maxVerdict(sev, set.Severity(rules.DetectorRoleReassignment)), true
	}
	return sev, fired
}

func detectOverride(_ *rules.Set, text string) (bool, domain.Verdict) {
	return matchAny(overridePatterns, text), domain.VerdictClean
}

func detectRole(_ *rules.Set, text string) (bool, domain.Verdict) {
	return matchAny(rolePatterns, text), domain.VerdictClean
}

// detectEncoded flags long base64/hex runs that decode to readable text, and explicit
// "decode and execute" requests. A decoded run carrying an override or role phrase
// escalates to that detector's severity.
func detectEncoded(set *rules.Set, text string) (bool, domain.Verdict) {
	minLen := set.Defense.MinEncodedLength
	fired := decodeRequest.MatchString(text)
	escalate := domain.VerdictClean

	for _, run := range encodedRuns(text, minLen) {
		decoded, ok := decodeRun(run)
		if !ok || !mostlyPrintable(decoded) {
			continue
		}
		fired = true
		if sev, hit := rescan(set, decoded); hit {
			escalate = maxVerdict(escalate, sev)
		}
	}
	return fired, escalate
}

var (
	base64Run = regexp.MustCompile(`[A-Za-z0-9+/_-]{16,}={0,2}`)
	hexRun    = regexp.MustCompile(`(?:[0-9a-fA-F]{2}){8,}`)
)

func encodedRuns(text string, minLen int) []string {
	var out []string
	for _, re := range []*regexp.Regexp{hexRun, base64Run} {
		for _, m := range re.FindAllString(text, -1) {
			if len(m) >= minLen {
				out = append(out, m)
			}
		}
	}
	return out
}

func decodeRun(run string) (string, bool) {
	if len(run)%2 == 0 && hexRun.FindString(run) == run {
		if b, err := hex.DecodeString(run); err == nil {
			return string(b), true
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(run); err == nil {
			return string(b), true
		}
	}
	return "", false
}

func mostlyPrintable(s string) bool {
	if s == "" || !utf8.ValidString(s) {
		return false
	}
	printable, total := 0, 0
	for _, r := range s {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	return float64(printable)/float64(total) >= 0.9
}

// detectObfuscation fires on invisible control runes, or when the NFKC-normalized text
// (full-width letters, ligatures, stripped invisibles) reveals a phrase the raw text hid.
func detectObfuscation(set *rules.Set, text string) (bool, domain.Verdict) {
	hasInvisible := false
	stripped := strings.Map(func(r rune) rune {
		if unicode.In(r, invisibleRunes...) {
			hasInvisible = true
			return -1
		}
		return r
	}, text)

	normalized := norm.NFKC.String(stripped)
	if normalized == text {
		return false, domain.VerdictClean
	}
	rawSev, rawHit := rescan(set, text)
	sev, hit := rescan(set, normalized)
	if hit && (!rawHit || sev > rawSev) {
		return true, sev
	}
	return hasInvisible, domain.VerdictClean
}

// detectRepetition catches prompt stuffing: many tokens, few of them distinct.
func detectRepetition(set *rules.Set, text string) (bool, domain.Verdict) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < set.Defense.MinRepeatTokens {
		return false, domain.VerdictClean
	}
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
	}
	ratio := float64(len(unique)) / float64(len(words))
	return ratio < set.Defense.RepetitionRatio, domain.VerdictClean
}

func maxVerdict(a, b domain.Verdict) domain.Verdict {
	if b > a {
		return b
	}
	return a
}
