// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

// Package offline renders the Markdown page served to navigations when
// neither the network nor the cache can answer.
package offline

import (
	"bytes"
	"fmt"
	"html/template"
	"os"

	"github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

const DefaultStyle = "dracula"

var page = template.Must(template.New("offline").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:40rem;margin:3rem auto;padding:0 1rem;line-height:1.5}
pre{overflow-x:auto;padding:.75rem}
{{.CSS}}
</style>
</head>
<body>
<main>
{{.Body}}
</main>
</body>
</html>
`))

func newMarkdown(style string) goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Typographer,
			highlighting.NewHighlighting(
				highlighting.WithStyle(style),
				highlighting.WithFormatOptions(
					html.WithLineNumbers(true),
					html.WithClasses(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			gmhtml.WithHardWraps(),
			gmhtml.WithXHTML(),
			// Written by the operator, not by visitors
			gmhtml.WithUnsafe(),
		),
	)
}

// Render converts markdown into a standalone HTML document. Code blocks are
// highlighted with the chroma style; unknown styles fall back to the default.
func Render(markdown []byte, title, style string) ([]byte, error) {
	if title == "" {
		title = "Offline"
	}
	if style == "" || styles.Get(style) == styles.Fallback {
		style = DefaultStyle
	}

	var body bytes.Buffer
	if err := newMarkdown(style).Convert(markdown, &body); err != nil {
		return nil, fmt.Errorf("render offline page: %w", err)
	}

	var css bytes.Buffer
	if err := html.New(html.WithClasses(true)).WriteCSS(&css, styles.Get(style)); err != nil {
		return nil, fmt.Errorf("render offline page: %w", err)
	}

	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Title string
		CSS   template.CSS
		Body  template.HTML
	}{
		Title: title,
		CSS:   template.CSS(css.String()),
		Body:  template.HTML(body.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("render offline page: %w", err)
	}
	return out.Bytes(), nil
}

// Load reads and renders the Markdown file at path. An empty path yields
// no page.
func Load(path, title, style string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("offline page: %w", err)
	}
	return Render(src, title, style)
}
