package loader

import (
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// sourceMediaType mirrors deno_ast's MediaType::from_filename, inferred
// from the specifier's extension rather than a MIME sniff, since
// transpilation operates on already-fetched module source.
type sourceMediaType int

const (
	mtJavaScript sourceMediaType = iota
	mtJSX
	mtTypeScript
	mtTSX
	mtUnsupported
)

func mediaTypeFromSpecifier(specifier string) sourceMediaType {
	switch {
	case strings.HasSuffix(specifier, ".tsx"):
		return mtTSX
	case strings.HasSuffix(specifier, ".ts"):
		return mtTypeScript
	case strings.HasSuffix(specifier, ".jsx"):
		return mtJSX
	case strings.HasSuffix(specifier, ".js"), strings.HasSuffix(specifier, ".mjs"), strings.HasSuffix(specifier, ".cjs"):
		return mtJavaScript
	default:
		return mtUnsupported
	}
}

// Transpile converts TS/JSX/TSX source to plain JavaScript, bundled to
// CommonJS so goja can read the default export off module.exports. JS
// passes through a CommonJS-wrapping pass unchanged in semantics. Any
// other media type fails, matching the original transpiler's dispatch.
func Transpile(specifier, source string) (string, error) {
	mt := mediaTypeFromSpecifier(specifier)
	if mt == mtUnsupported {
		return "", &Error{Specifier: specifier, Reason: fmt.Sprintf("media type for %q not supported", specifier)}
	}

	loaderKind := api.LoaderJS
	switch mt {
	case mtJSX:
		loaderKind = api.LoaderJSX
	case mtTypeScript:
		loaderKind = api.LoaderTS
	case mtTSX:
		loaderKind = api.LoaderTSX
	}

	result := api.Transform(source, api.TransformOptions{
		Loader:     loaderKind,
		Format:     api.FormatCommonJS,
		Target:     api.ES2020,
		Sourcefile: specifier,
	})

	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, m := range result.Errors {
			msgs = append(msgs, m.Text)
		}
		return "", &Error{Specifier: specifier, Reason: strings.Join(msgs, "; ")}
	}

	return string(result.Code), nil
}
