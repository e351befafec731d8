package estimator

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClampModernSize(t *testing.T) {
	t.Parallel()

	size := Size{Raw: 2000, Gz: 800}
	got := ClampModernSize(size, Size{Raw: 2500, Gz: 900})
	require.Equal(t, Size{Raw: 2001, Gz: 801}, got)

	got = ClampModernSize(Size{Raw: 1000, Gz: 400}, Size{Raw: 600, Gz: 250})
	require.Equal(t, Size{Raw: 600, Gz: 250}, got)

	got = ClampModernSize(Size{Raw: 1000, Gz: 400}, Size{Raw: 1200, Gz: 100})
	require.Equal(t, Size{Raw: 1001, Gz: 100}, got)
}

func TestTidyLogsFiltersAndTrims(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 300)
	logs := []string{
		"  warning: something odd\nstack frame 1\nstack frame 2",
		"External module reference: ./foo",
		long,
	}
	got := TidyLogs(logs, 200, 4000)
	require.Equal(t, []string{"warning: something odd", strings.Repeat("x", 200)}, got)
}

func TestTidyLogsRespectsBudget(t *testing.T) {
	t.Parallel()

	var logs []string
	for i := 0; i < 100; i++ {
		logs = append(logs, fmt.Sprintf("%03d %s", i, strings.Repeat("y", 96)))
	}
	got := TidyLogs(logs, 200, 4000)
	// Each entry costs 104; the list stops at the first entry seen once the
	// spent total passes the budget.
	require.Len(t, got, 39)
	require.Nil(t, TidyLogs(nil, 0, 0))
}

func TestDetectWebpack(t *testing.T) {
	t.Parallel()

	require.True(t, DetectWebpack([]string{"noise", "Detected: script is a Webpack bundle"}))
	require.False(t, DetectWebpack([]string{"noise"}))
	require.False(t, DetectWebpack(nil))
}

func TestLooksLikeHTML(t *testing.T) {
	t.Parallel()

	cases := []struct {
		body string
		want bool
	}{
		{"<!DOCTYPE html><html></html>", true},
		{"\n  <html lang=en>", true},
		{"<TITLE>x</TITLE>", true},
		{"<htmlish>", false},
		{"var a = '<html>';", false},
		{"", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, LooksLikeHTML(tc.body), tc.body)
	}
}

func TestParseErrorMatchesTaxonomy(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("modernize: %w", &ParseError{Message: "Unexpected token"})
	require.True(t, errors.Is(err, ErrParse))
	require.Contains(t, err.Error(), "Parse Error: Unexpected token")
}

func TestModernizationRecordPublicStripsCode(t *testing.T) {
	t.Parallel()

	rec := ModernizationRecord{
		URL:        "https://example.com/a.js",
		Code:       "let a=1",
		Logs:       []string{"x"},
		ModernSize: &Size{Raw: 1, Gz: 1},
	}
	pub := rec.Public()
	require.Empty(t, pub.Code)
	pub.Logs[0] = "mutated"
	pub.ModernSize.Raw = 99
	require.Equal(t, "x", rec.Logs[0])
	require.Equal(t, 1, rec.ModernSize.Raw)
}
