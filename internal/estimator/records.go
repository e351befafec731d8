package estimator

import (
	"regexp"
	"strings"
)

const (
	// DefaultLogBudget caps the summed length of a record's diagnostic log.
	DefaultLogBudget = 4000
	// DefaultLogLineMax caps a single diagnostic line.
	DefaultLogLineMax = 200
	// MinScriptBytes is the smallest script worth reporting.
	MinScriptBytes = 50
)

var (
	externalModuleRef = regexp.MustCompile(`(?i)external module reference:`)
	webpackBundle     = regexp.MustCompile(`(?i)is a Webpack bundle`)
	htmlDocument      = regexp.MustCompile(`(?i)^\s*<(!DOCTYPE|html|body|head|title)\b`)
)

// ClampModernSize never lets a modern size exceed the original: a larger value
// becomes size+1, which reads as "no real savings".
func ClampModernSize(size, modern Size) Size {
	if modern.Raw > size.Raw {
		modern.Raw = size.Raw + 1
	}
	if modern.Gz > size.Gz {
		modern.Gz = size.Gz + 1
	}
	return modern
}

// TidyLogs drops module-reference noise, keeps the first line of every entry
// trimmed to maxLine characters, and truncates the list once budget is spent.
func TidyLogs(logs []string, maxLine, budget int) []string {
	if logs == nil {
		return nil
	}
	if maxLine <= 0 {
		maxLine = DefaultLogLineMax
	}
	if budget <= 0 {
		budget = DefaultLogBudget
	}
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		if externalModuleRef.MatchString(l) {
			continue
		}
		line := strings.TrimSpace(l)
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		if len(line) > maxLine {
			line = line[:maxLine]
		}
		out = append(out, line)
	}
	spent := 0
	for i, l := range out {
		if spent > budget {
			return out[:i]
		}
		spent += len(l) + 4
	}
	return out
}

// DetectWebpack reports whether any diagnostic identifies a webpack bundle.
func DetectWebpack(logs []string) bool {
	for _, l := range logs {
		if webpackBundle.MatchString(l) {
			return true
		}
	}
	return false
}

// LooksLikeHTML reports whether a fetched body is an HTML document rather
// than a script.
func LooksLikeHTML(body string) bool {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	return htmlDocument.MatchString(head)
}
