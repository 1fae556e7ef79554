package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func convertDocument(t *testing.T, cfg Config, req Request) (Result, string) {
	t.Helper()
	eng, err := NewDocumentEngine(cfg, Deps{})
	require.NoError(t, err)
	res := eng.Convert(context.Background(), req)
	if !res.Success {
		return res, ""
	}
	out, err := os.ReadFile(res.OutputPath)
	require.NoError(t, err)
	return res, string(out)
}

func TestDocumentEngine_HTMLToText(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "page.html", `<html><head><title>Ignored</title><style>p{}</style></head>
<body><h1>Hello</h1><p>World   <b>bold</b></p><script>alert(1)</script></body></html>`)

	res, out := convertDocument(t, nil, Request{
		InputPath: input, OutputPath: filepath.Join(dir, "document", "page.txt"), OutputFormat: "txt",
	})
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, "Hello\nWorld bold\n", out)
	assert.Equal(t, "html", res.Metadata["input_info"].(map[string]any)["format"])
}

func TestDocumentEngine_HTMLMetaCharset(t *testing.T) {
	dir := t.TempDir()
	body := "<html><head><meta charset=\"windows-1251\"></head><body><p>\xcf\xf0\xe8\xe2\xe5\xf2</p></body></html>"
	input := writeFile(t, dir, "ru.htm", body)

	res, out := convertDocument(t, nil, Request{InputPath: input, OutputPath: filepath.Join(dir, "ru.txt")})
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, "Привет\n", out)
	assert.Equal(t, "windows-1251", res.Metadata["input_info"].(map[string]any)["charset"])
}

func TestDocumentEngine_ExplicitCharset(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "legacy.txt", "\xcf\xf0\xe8\xe2\xe5\xf2")

	res, out := convertDocument(t, nil, Request{
		InputPath: input, OutputPath: filepath.Join(dir, "legacy.html"), OutputFormat: "html",
		Options: map[string]string{"charset": "cp1251", "title": "Legacy <doc>"},
	})
	require.True(t, res.Success, res.ErrorMessage)
	assert.Contains(t, out, "<pre>Привет</pre>")
	assert.Contains(t, out, "<title>Legacy &lt;doc&gt;</title>")
	assert.Equal(t, "windows-1251", res.Metadata["input_info"].(map[string]any)["charset"])
}

func TestDocumentEngine_MarkdownToHTML(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "upload-1", "\xef\xbb\xbf# a < b & c")

	res, out := convertDocument(t, nil, Request{
		InputPath: input, Filename: "notes.md",
		OutputPath: filepath.Join(dir, "notes.html"), OutputFormat: "html",
	})
	require.True(t, res.Success, res.ErrorMessage)
	assert.Contains(t, out, "<title>notes</title>")
	assert.Contains(t, out, "<pre># a &lt; b &amp; c</pre>")
	assert.Equal(t, "utf-8", res.Metadata["input_info"].(map[string]any)["charset"])
}

func TestDocumentEngine_Latin1Fallback(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "cafe.txt", "caf\xe9")

	res, out := convertDocument(t, nil, Request{InputPath: input, OutputPath: filepath.Join(dir, "cafe.md"), OutputFormat: "md"})
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, "café", out)
	assert.Equal(t, "windows-1252", res.Metadata["input_info"].(map[string]any)["charset"])
}

func TestDocumentEngine_Failures(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "a.txt", "hello world")

	tests := []struct {
		name string
		cfg  Config
		req  Request
	}{
		{"unknown charset", nil, Request{InputPath: input, OutputPath: filepath.Join(dir, "o.txt"), Options: map[string]string{"charset": "klingon"}}},
		{"unsupported input", nil, Request{InputPath: input, Filename: "data.json", OutputPath: filepath.Join(dir, "o.txt")}},
		{"unsupported output", nil, Request{InputPath: input, OutputPath: filepath.Join(dir, "o.pdf"), OutputFormat: "pdf"}},
		{"too large", Config{"max_size": "4"}, Request{InputPath: input, OutputPath: filepath.Join(dir, "o.txt")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := convertDocument(t, tt.cfg, tt.req)
			assert.False(t, res.Success)
			assert.Equal(t, ErrorClassValidation, res.ErrorClass)
			assert.False(t, res.Retryable)
		})
	}
}
