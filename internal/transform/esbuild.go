package transform

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
)

// WebpackNotice is logged when the input looks like a webpack runtime bundle.
const WebpackNotice = "Detected: script is a Webpack bundle"

var webpackRE = regexp.MustCompile(`__webpack_require__|webpackJsonp|webpackChunk`)

// ESBuildModernizer re-emits a program for an ES2020 target.
type ESBuildModernizer struct{}

// Modernize implements Modernizer.
func (ESBuildModernizer) Modernize(source string, opts estimator.TransformOptions) (string, []string, error) {
	format := api.FormatDefault
	if opts.Module && looksLikeModule(source) {
		format = api.FormatESModule
	}
	result := api.Transform(source, api.TransformOptions{
		Loader:        api.LoaderJS,
		Target:        api.ES2020,
		Format:        format,
		LegalComments: api.LegalCommentsInline,
		LogLevel:      api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return "", nil, &estimator.ParseError{Message: formatMessage(result.Errors[0])}
	}
	logs := make([]string, 0, len(result.Warnings)+1)
	if opts.DetectWebpack && webpackRE.MatchString(source) {
		logs = append(logs, WebpackNotice)
	}
	for _, w := range result.Warnings {
		logs = append(logs, "warn: "+formatMessage(w))
	}
	return string(result.Code), logs, nil
}

// ESBuildMinifier minifies with esbuild.
type ESBuildMinifier struct{}

// Minify implements Minifier. Conservative output keeps the input syntax
// level; Aggressive also applies syntax-level rewrites for ES2020.
func (ESBuildMinifier) Minify(source string, level Level) (string, error) {
	opts := api.TransformOptions{
		Loader:            api.LoaderJS,
		Target:            api.ESNext,
		MinifyWhitespace:  true,
		MinifyIdentifiers: true,
		KeepNames:         true,
		LegalComments:     api.LegalCommentsInline,
		LogLevel:          api.LogLevelSilent,
	}
	if level == Aggressive {
		opts.Target = api.ES2020
		opts.MinifySyntax = true
	}
	result := api.Transform(source, opts)
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, m := range result.Errors {
			msgs = append(msgs, formatMessage(m))
		}
		return "", errors.New(strings.Join(msgs, "; "))
	}
	return string(result.Code), nil
}

func formatMessage(m api.Message) string {
	if m.Location == nil {
		return m.Text
	}
	return fmt.Sprintf("%s (%d:%d)", m.Text, m.Location.Line, m.Location.Column)
}

var moduleSyntaxRE = regexp.MustCompile(`(?m)^\s*(import\s*[\w{*'"]|export\s)`)

func looksLikeModule(source string) bool {
	return moduleSyntaxRE.MatchString(source)
}
