package estimator

import (
	"context"
	"time"
)

// PageAnalyzer loads a page in a browser and returns the scripts it executed.
type PageAnalyzer interface {
	Analyze(ctx context.Context, pageURL string) (PageAnalysis, error)
}

// Fetcher retrieves a single URL over HTTP.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (FetchResponse, error)
}

// Transformer runs the two named profiles against a source text.
type Transformer interface {
	Baseline(ctx context.Context, source string) (TransformResult, error)
	Modernize(ctx context.Context, source string) (TransformResult, error)
}

// JobRunner executes a transform job to completion.
type JobRunner interface {
	Run(ctx context.Context, job TransformJob) (TransformResult, error)
}

// SizeMeter measures raw and compressed sizes.
type SizeMeter interface {
	Measure(text string) (Size, error)
}

// IDGenerator produces opaque tokens.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for content validation headers.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time and sleeps cooperatively.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}
