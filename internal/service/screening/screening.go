// Package screening statically screens submitted source code before it is
// accepted. The sandbox remains the enforcement boundary; screening only
// rejects submissions that obviously should never run.
package screening

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/codrlabs/codr/internal/adapter/observability"
	"github.com/codrlabs/codr/internal/domain"
)

// Comment stripping per language family.
var (
	hashLineComment  = regexp.MustCompile(`(?m)#.*$`)
	tripleDouble     = regexp.MustCompile(`(?s)""".*?"""`)
	tripleSingle     = regexp.MustCompile(`(?s)'''.*?'''`)
	slashLineComment = regexp.MustCompile(`(?m)//.*$`)
	blockComment     = regexp.MustCompile(`(?s)/\*.*?\*/`)

	doubleQuoted = regexp.MustCompile(`"(?:\\.|[^"\\])*"`)
	singleQuoted = regexp.MustCompile(`'(?:\\.|[^'\\])*'`)
	backQuoted   = regexp.MustCompile("`(?:\\\\.|[^`\\\\])*`")
)

// Normalize strips comments and blanks string literals so banned tokens
// hiding inside literals stop producing false positives. It is idempotent:
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(code string, lang domain.Language) string {
	switch lang {
	case domain.LangPython:
		code = hashLineComment.ReplaceAllString(code, "")
		code = tripleDouble.ReplaceAllString(code, "")
		code = tripleSingle.ReplaceAllString(code, "")
	default:
		// C-family line and block comments cover the rest of the set.
		code = slashLineComment.ReplaceAllString(code, "")
		code = blockComment.ReplaceAllString(code, "")
	}
	code = doubleQuoted.ReplaceAllString(code, `""`)
	code = singleQuoted.ReplaceAllString(code, `''`)
	code = backQuoted.ReplaceAllString(code, "``")
	return code
}

// Screen validates shape and scans the normalized source. The returned
// error wraps the relevant domain sentinel and names the triggering token.
func Screen(sub domain.CodeSubmission) error {
	if len(sub.Code) > domain.MaxCodeBytes {
		return fmt.Errorf("%w: code exceeds %d bytes", domain.ErrInvalidArgument, domain.MaxCodeBytes)
	}
	if !domain.ValidFilename(sub.Filename) {
		return fmt.Errorf("%w: invalid filename", domain.ErrInvalidArgument)
	}
	if !domain.ValidLanguage(sub.Language) {
		return fmt.Errorf("%w: language not supported", domain.ErrInvalidArgument)
	}
	lang := domain.Language(sub.Language)

	normalized := Normalize(sub.Code, lang)
	if strings.TrimSpace(normalized) == "" {
		return fmt.Errorf("%w: code is empty after normalization", domain.ErrInvalidArgument)
	}

	lower := strings.ToLower(normalized)
	for _, kw := range blockedKeywords[lang] {
		if strings.Contains(lower, strings.ToLower(kw)) {
			observability.ScreeningRejectionsTotal.WithLabelValues(string(lang), "keyword").Inc()
			return fmt.Errorf("%w: dangerous keyword detected: %s", domain.ErrScreeningRejected, kw)
		}
	}
	for _, p := range blockedPatterns {
		if p.MatchString(normalized) {
			observability.ScreeningRejectionsTotal.WithLabelValues(string(lang), "pattern").Inc()
			return fmt.Errorf("%w: dangerous pattern detected: %s", domain.ErrScreeningRejected, p.String())
		}
	}
	return nil
}
