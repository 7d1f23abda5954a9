package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"golang.org/x/net/html"
)

const (
	maxResponseSize = 5 << 20
	defaultTimeout  = 10 * time.Second
	maxTimeout      = 20 * time.Second
)

// stripTags are removed before text or markdown conversion.
var stripTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"iframe":   true,
	"object":   true,
	"embed":    true,
}

type webfetchTool struct{}

type webfetchInput struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Timeout int    `json:"timeout"` // seconds
}

func (webfetchTool) Name() string { return "webfetch" }

func (webfetchTool) Description() string {
	return "Fetch content from a URL and return text, markdown, or raw HTML."
}

func (webfetchTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{` +
		`"url":{"type":"string","format":"uri","description":"Fully qualified URL to fetch"},` +
		`"format":{"type":"string","enum":["text","markdown","html"],"default":"markdown","description":"Return format: text | markdown | html"},` +
		`"timeout":{"type":"integer","minimum":1,"maximum":20,"description":"Timeout in seconds (max 20)"}},` +
		`"required":["url"]}`)
}

func (webfetchTool) Execute(ctx context.Context, env Env, input json.RawMessage) (any, error) {
	var in webfetchInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Format == "" {
		in.Format = "markdown"
	}
	switch in.Format {
	case "text", "markdown", "html":
	default:
		return nil, fmt.Errorf("format must be one of text, markdown, html")
	}
	if in.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	timeout := defaultTimeout
	if in.Timeout > 0 {
		timeout = min(time.Duration(in.Timeout)*time.Second, maxTimeout)
	}

	url, err := sanitizeURL(in.URL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	body, contentType, err := fetch(ctx, env.httpClient(), url)
	if err != nil {
		return nil, err
	}

	isHTML := strings.Contains(contentType, "text/html")
	switch in.Format {
	case "text":
		if isHTML {
			return extractText(body), nil
		}
		return body, nil
	case "markdown":
		if isHTML {
			return convertToMarkdown(body)
		}
		return "```\n" + body + "\n```", nil
	default:
		return body, nil
	}
}

// sanitizeURL requires an http(s) URL and upgrades http to https.
func sanitizeURL(raw string) (string, error) {
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "https://"):
		return raw, nil
	case strings.HasPrefix(lower, "http://"):
		return "https://" + raw[len("http://"):], nil
	default:
		return "", fmt.Errorf("URL must start with http:// or https://")
	}
}

func fetch(ctx context.Context, client *http.Client, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("Fetch failed: %v", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("Fetch failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", fmt.Errorf("Request failed with status code: %d", resp.StatusCode)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > maxResponseSize {
			return "", "", fmt.Errorf("Response too large (exceeds 5MB limit)")
		}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return "", "", fmt.Errorf("Fetch failed: %v", err)
	}
	if len(data) > maxResponseSize {
		return "", "", fmt.Errorf("Response too large (exceeds 5MB limit)")
	}
	return string(data), resp.Header.Get("Content-Type"), nil
}

// extractText returns the document's text outside stripped elements.
func extractText(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			if tag := string(name); stripTags[tag] && tag != "embed" {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if tag := string(name); stripTags[tag] && tag != "embed" && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// stripElements removes stripTags elements from an HTML document.
func stripElements(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			if c.Type == html.ElementNode && stripTags[c.Data] {
				n.RemoveChild(c)
			} else {
				walk(c)
			}
			c = next
		}
	}
	walk(root)

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

func convertToMarkdown(doc string) (string, error) {
	cleaned, err := stripElements(doc)
	if err != nil {
		return "", err
	}
	converter := md.NewConverter("", true, nil)
	out, err := converter.ConvertString(cleaned)
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}
	return out, nil
}
