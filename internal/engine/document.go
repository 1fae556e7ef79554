package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

var documentFormats = Formats{
	Input:  []string{"txt", "md", "html", "htm", "csv"},
	Output: []string{"txt", "md", "html"},
}

// DefaultMaxDocumentSize bounds the input read into memory.
const DefaultMaxDocumentSize = 32 << 20

// ErrDocumentTooLarge is returned when the input exceeds max_size.
var ErrDocumentTooLarge = errors.New("document too large")

// DocumentEngine converts between plain text and HTML without external
// tools. Legacy charsets are decoded to UTF-8.
type DocumentEngine struct {
	maxSize int64
	logger  *slog.Logger
}

// NewDocumentEngine builds a document engine. Config keys: max_size (bytes).
func NewDocumentEngine(cfg Config, deps Deps) (Engine, error) {
	maxSize := int64(cfg.Int("max_size", DefaultMaxDocumentSize))
	if maxSize <= 0 {
		return nil, fmt.Errorf("max_size must be positive")
	}
	return &DocumentEngine{maxSize: maxSize, logger: deps.logger(KindDocument)}, nil
}

func (e *DocumentEngine) Kind() Kind                    { return KindDocument }
func (e *DocumentEngine) Formats() Formats              { return documentFormats }
func (e *DocumentEngine) Dependencies() map[string]bool { return map[string]bool{"text": true} }
func (e *DocumentEngine) Available() bool               { return true }

// Convert reads the input, decodes it to UTF-8 and renders the requested
// format. Options: charset (for example windows-1251), title.
func (e *DocumentEngine) Convert(ctx context.Context, req Request) Result {
	format := strings.ToLower(req.OutputFormat)
	if format == "" {
		format = "txt"
	}
	if !documentFormats.SupportsOutput(format) {
		return unsupportedOutput(KindDocument, format, documentFormats)
	}

	name := req.Filename
	if name == "" {
		name = req.InputPath
	}
	srcFormat := Extension(name)
	if srcFormat == "htm" {
		srcFormat = "html"
	}
	if srcFormat != "html" && srcFormat != "txt" && srcFormat != "md" && srcFormat != "csv" {
		return Failed(ErrorClassValidation, false, "unsupported input format %q for document", srcFormat)
	}
	req.progress(10, "document engine ready")

	raw, err := readLimited(req.InputPath, e.maxSize)
	if errors.Is(err, ErrDocumentTooLarge) {
		return Failed(ErrorClassValidation, false, "%v", err)
	}
	if err != nil {
		return FailedFrom("reading input", err)
	}

	text, encName, err := decodeText(raw, req.option("charset", ""), srcFormat == "html")
	if err != nil {
		return Failed(ErrorClassValidation, false, "decoding input: %v", err)
	}
	req.progress(40, "decoded "+encName)

	if ctx.Err() != nil {
		return FailedFrom("converting document", ctx.Err())
	}

	var out string
	switch {
	case srcFormat == "html" && format == "html":
		out = text
	case srcFormat == "html":
		out, err = htmlToText(text)
		if err != nil {
			return Failed(ErrorClassTranscoder, false, "parsing html: %v", err)
		}
	case format == "html":
		title := req.option("title", strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
		out = textToHTML(title, text)
	default:
		out = text
	}
	req.progress(80, "document rendered")

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return FailedFrom("creating output directory", err)
	}
	if err := os.WriteFile(req.OutputPath, []byte(out), 0o644); err != nil {
		return FailedFrom("writing output", err)
	}
	e.logger.Debug("document converted",
		slog.String("from", srcFormat),
		slog.String("to", format),
		slog.String("charset", encName))

	return Succeeded(req.OutputPath, map[string]any{
		"input_info":  map[string]any{"format": srcFormat, "charset": encName, "size": len(raw)},
		"output_info": map[string]any{"format": format, "size": len(out)},
	})
}

func readLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrDocumentTooLarge, limit)
	}
	return data, nil
}

// decodeText converts raw bytes to UTF-8. An explicit charset wins; HTML
// input falls back to meta tag and BOM sniffing; other input is taken as
// UTF-8 when valid and Windows-1252 otherwise.
func decodeText(raw []byte, name string, isHTML bool) (string, string, error) {
	if name != "" {
		enc, err := htmlindex.Get(name)
		if err != nil {
			return "", "", fmt.Errorf("unknown charset %q", name)
		}
		canonical, _ := htmlindex.Name(enc)
		out, _, err := transform.Bytes(enc.NewDecoder(), raw)
		if err != nil {
			return "", "", err
		}
		return string(out), canonical, nil
	}

	if isHTML {
		enc, detected, _ := charset.DetermineEncoding(raw, "text/html")
		out, _, err := transform.Bytes(enc.NewDecoder(), raw)
		if err != nil {
			return "", "", err
		}
		return string(out), detected, nil
	}

	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if utf8.Valid(raw) {
		return string(raw), "utf-8", nil
	}
	enc, _ := htmlindex.Get("windows-1252")
	out, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return "", "", err
	}
	return string(out), "windows-1252", nil
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true,
	"blockquote": true, "pre": true, "table": true, "ul": true, "ol": true,
}

// htmlToText extracts visible text, putting block elements on their own
// lines and dropping script and style content.
func htmlToText(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "head", "noscript", "template":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			sb.WriteString("\n")
		}
	}
	walk(root)

	var lines []string
	for _, line := range strings.Split(sb.String(), "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n") + "\n", nil
}

func textToHTML(title, text string) string {
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>")
	sb.WriteString(html.EscapeString(title))
	sb.WriteString("</title>\n</head>\n<body>\n<pre>")
	sb.WriteString(html.EscapeString(text))
	sb.WriteString("</pre>\n</body>\n</html>\n")
	return sb.String()
}
