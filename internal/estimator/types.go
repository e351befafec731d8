package estimator

// Profile names a transform pipeline executed by the worker pool.
type Profile string

// Transform profiles.
const (
	ProfileBaseline  Profile = "baseline-normalize"
	ProfileModernize Profile = "modernize"
)

// Size captures the raw and gzip-compressed byte counts of a script.
type Size struct {
	Raw int `json:"raw"`
	Gz  int `json:"gz"`
}

// TransformOptions tunes a single transform job.
type TransformOptions struct {
	Module        bool `json:"module"`
	DetectWebpack bool `json:"webpack"`
}

// TransformJob is submitted once to the pool and settles exactly once.
type TransformJob struct {
	Source  string
	Profile Profile
	Options TransformOptions
}

// TransformResult is the immutable output of a settled job.
type TransformResult struct {
	Code string
	Logs []string
}

// ScriptRecord is the raw capture of a script, keyed by URL in the script store.
type ScriptRecord struct {
	URL  string `json:"url"`
	Text string `json:"-"`
	Size Size   `json:"size"`
}

// ScriptSummary is the sizes-only view returned by a page check.
type ScriptSummary struct {
	URL  string `json:"url"`
	Size Size   `json:"size"`
}

// ModernizationRecord is the cached outcome of modernizing one script. Code is
// only released to callers presenting Token.
type ModernizationRecord struct {
	URL        string   `json:"url"`
	Size       Size     `json:"size"`
	ModernSize *Size    `json:"modernSize,omitempty"`
	Logs       []string `json:"logs,omitempty"`
	Webpack    bool     `json:"webpack,omitempty"`
	Error      string   `json:"error,omitempty"`
	NonJS      bool     `json:"nonjs,omitempty"`
	Token      string   `json:"token,omitempty"`
	Code       string   `json:"-"`
}

// Public returns a copy of the record without the compiled code.
func (r ModernizationRecord) Public() ModernizationRecord {
	out := r
	out.Code = ""
	if r.Logs != nil {
		out.Logs = append([]string(nil), r.Logs...)
	}
	if r.ModernSize != nil {
		ms := *r.ModernSize
		out.ModernSize = &ms
	}
	return out
}

// CapturedScript is a script observed while loading a page.
type CapturedScript struct {
	URL  string
	Text string
}

// PageAnalysis is the output of a headless page load.
type PageAnalysis struct {
	PageURL string
	Scripts []CapturedScript
}

// CheckResult is the response to a page check.
type CheckResult struct {
	URL     string          `json:"url"`
	Scripts []ScriptSummary `json:"scripts"`
}

// FetchResponse is a fully decoded HTTP response.
type FetchResponse struct {
	URL     string
	Status  int
	Headers map[string][]string
	Body    string
}

// OK reports whether the status is below 400.
func (r FetchResponse) OK() bool {
	return r.Status >= 100 && r.Status < 400
}
