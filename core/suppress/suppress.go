// Package suppress provides inline suppression detection for MIESC
// findings. Two comment-style directives are recognized, across any of the
// comment styles common in the contracts MIESC scans:
//
//	// miesc-ignore:false positive, checked-effects-interactions applied
//	# miesc-ignore:known issue expires:2025-12-31
//	<!-- miesc-ignore:documentation example -->
//	/* miesc-ignore:style only */
//
//	// slither-disable-next-line reentrancy-eth
//	# mythril-disable-next-line SWC-107,SWC-101
//
// The first form suppresses any finding on its target line; the second
// form, kept for compatibility with existing single-tool suppression
// conventions, only suppresses findings from the named tool and only for
// the listed rule/type IDs.
package suppress

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"
	"time"
)

// Suppression represents a single inline suppression directive found in
// source. An empty RuleIDs means "suppress any rule on this line"; an empty
// Tool means "suppress regardless of which tool reported the finding".
type Suppression struct {
	Tool     string
	RuleIDs  []string
	FilePath string
	Line     int // the line the suppression applies to
	Reason   string
	Expires  *time.Time
}

// ignoreRE matches the general miesc-ignore:<reason> directive in any
// comment style.
var ignoreRE = regexp.MustCompile(
	`(?://|#|--|/\*|<!--)\s*miesc-ignore:\s*(.*)`,
)

// disableNextLineRE matches the per-tool <tool>-disable-next-line <rule>
// directive, e.g. "slither-disable-next-line reentrancy-eth".
var disableNextLineRE = regexp.MustCompile(
	`(?://|#|--|/\*|<!--)\s*([\w-]+)-disable-next-line\s+([\w-]+(?:,[\w-]+)*)`,
)

// expiresRE extracts an expires:YYYY-MM-DD from the reason text.
var expiresRE = regexp.MustCompile(`expires:(\d{4}-\d{2}-\d{2})`)

// commentPrefixes lists every comment opener both directive forms are
// recognized inside.
var commentPrefixes = []string{"//", "#", "--", "/*", "<!--"}

// ScanForSuppressions scans file content for miesc-ignore and
// <tool>-disable-next-line directives and returns every suppression found.
func ScanForSuppressions(content []byte, filePath string) []Suppression {
	var result []Suppression

	scanner := bufio.NewScanner(bytes.NewReader(content))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	for i, line := range lines {
		lineNum := i + 1

		if match := disableNextLineRE.FindStringSubmatch(line); match != nil {
			ruleIDs := strings.Split(match[2], ",")
			result = append(result, Suppression{
				Tool:     match[1],
				RuleIDs:  ruleIDs,
				FilePath: filePath,
				Line:     nextNonBlankLine(lines, i),
			})
			continue
		}

		match := ignoreRE.FindStringSubmatch(line)
		if match == nil {
			continue
		}

		reason := cleanReason(match[1])

		var expires *time.Time
		if em := expiresRE.FindStringSubmatch(reason); em != nil {
			if t, err := time.Parse("2006-01-02", em[1]); err == nil {
				expires = &t
			}
			reason = strings.TrimSpace(expiresRE.ReplaceAllString(reason, ""))
		}

		// A standalone comment line suppresses the next non-blank line; a
		// trailing comment on a code line suppresses that same line.
		targetLine := lineNum
		if isOnlyComment(strings.TrimSpace(line)) {
			targetLine = nextNonBlankLine(lines, i)
		}

		result = append(result, Suppression{
			FilePath: filePath,
			Line:     targetLine,
			Reason:   reason,
			Expires:  expires,
		})
	}

	return result
}

func cleanReason(raw string) string {
	reason := strings.TrimSpace(raw)
	reason = strings.TrimSuffix(reason, "*/")
	reason = strings.TrimSuffix(reason, "-->")
	return strings.TrimSpace(reason)
}

// MatchesFinding reports whether this suppression applies to a finding of
// the given tool/rule on the given line, considering expiration.
func (s Suppression) MatchesFinding(tool, ruleID string, line int, now time.Time) bool {
	if s.Line != line {
		return false
	}
	if s.Expires != nil && now.After(*s.Expires) {
		return false
	}
	if s.Tool != "" && s.Tool != tool {
		return false
	}
	if len(s.RuleIDs) == 0 {
		return true
	}
	for _, id := range s.RuleIDs {
		if id == ruleID {
			return true
		}
	}
	return false
}

// isOnlyComment returns true if the line consists entirely of a comment.
func isOnlyComment(trimmed string) bool {
	for _, prefix := range commentPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// nextNonBlankLine returns the 1-based line number of the next non-blank,
// non-directive line after index i. If none exists, returns i+2 (the line
// immediately after the comment).
func nextNonBlankLine(lines []string, i int) int {
	for j := i + 1; j < len(lines); j++ {
		trimmed := strings.TrimSpace(lines[j])
		if trimmed == "" {
			continue
		}
		if isOnlyComment(trimmed) && (ignoreRE.MatchString(trimmed) || disableNextLineRE.MatchString(trimmed)) {
			continue
		}
		return j + 1
	}
	return i + 2
}
