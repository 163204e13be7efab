package mode

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/Strob0t/crewflow/internal/domain"
)

// Detection is the result of classifying a task description.
type Detection struct {
	Mode    Name     `json:"mode"`
	Reason  string   `json:"reason"`
	Matched []string `json:"matched_signals,omitempty"`
}

type rule struct {
	mode    Name
	label   string
	signals []string
}

// rules are evaluated in order; the first with a matching signal wins.
var rules = []rule{
	{
		mode:  Full,
		label: "security, database, or breaking-change signals",
		signals: []string{
			"security", "secure", "vulnerability", "auth", "authentication", "authorization",
			"oauth", "oauth2", "password", "token", "credential", "credentials", "encryption",
			"database", "schema", "migration", "sql", "api", "breaking change", "breaking",
			"critical",
		},
	},
	{
		mode:  Fast,
		label: "multi-module scope",
		signals: []string{
			"across modules", "multiple modules", "multi module", "cross cutting",
			"several packages", "multiple packages", "monorepo", "all services",
			"multiple services",
		},
	},
	{
		mode:  Minimal,
		label: "trivial edit",
		signals: []string{
			"typo", "typos", "rename", "comment", "comments", "fix import", "simple fix", "wording",
		},
	},
	{
		mode:  Turbo,
		label: "standard feature or refactor",
		signals: []string{
			"implement", "add", "feature", "add feature", "update", "refactor", "create", "build", "utility",
		},
	},
}

// Detect classifies description into a mode. A non-empty override wins
// unconditionally. files, when given, lists the paths the change touches:
// two or more distinct top-level directories count as multi-module scope, and
// more than one file rules out minimal. Detect is pure.
func Detect(description string, override Name, files []string) (Detection, error) {
	if override != "" {
		if !override.Valid() {
			return Detection{}, domain.Validationf("unknown mode %q", override)
		}
		return Detection{Mode: override, Reason: "explicit override"}, nil
	}

	text := normalize(description)
	for _, r := range rules {
		matched := matchSignals(text, r.signals)
		if r.mode == Fast && len(matched) == 0 && spansModules(files) {
			matched = []string{"files span multiple top-level directories"}
		}
		if len(matched) == 0 {
			continue
		}
		if r.mode == Minimal && len(files) > 1 {
			continue
		}
		return Detection{
			Mode:    r.mode,
			Reason:  fmt.Sprintf("%s: %s", r.label, strings.Join(matched, ", ")),
			Matched: matched,
		}, nil
	}

	return Detection{Mode: Default, Reason: "no signal matched"}, nil
}

// normalize reduces s to lower-case words separated by single spaces and
// padded at both ends, so signals match on word boundaries.
func normalize(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(words, " ") + " "
}

func matchSignals(text string, signals []string) []string {
	var matched []string
	for _, sig := range signals {
		if strings.Contains(text, " "+sig+" ") {
			matched = append(matched, sig)
		}
	}
	return matched
}

func spansModules(files []string) bool {
	roots := make(map[string]struct{})
	for _, f := range files {
		clean := path.Clean(strings.ReplaceAll(f, "\\", "/"))
		clean = strings.TrimPrefix(clean, "./")
		root, _, found := strings.Cut(clean, "/")
		if !found {
			continue
		}
		roots[root] = struct{}{}
	}
	return len(roots) >= 2
}
