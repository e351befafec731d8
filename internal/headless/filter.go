package headless

import (
	"strings"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
)

// filterScripts drops tiny scripts, the document itself, data: and blob: URLs,
// and repeats of a URL already seen. Order is preserved.
func filterScripts(pageURL string, scripts []estimator.CapturedScript, minBytes int) []estimator.CapturedScript {
	seen := make(map[string]struct{}, len(scripts))
	out := make([]estimator.CapturedScript, 0, len(scripts))
	for _, s := range scripts {
		if s.URL == "" || len(s.Text) < minBytes || s.URL == pageURL {
			continue
		}
		lower := strings.ToLower(s.URL)
		if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "blob:") {
			continue
		}
		if _, dup := seen[s.URL]; dup {
			continue
		}
		seen[s.URL] = struct{}{}
		out = append(out, s)
	}
	return out
}
