package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jholhewres/mailos/pkg/mailos/htmltext"
)

// DefaultSearchURL is the DuckDuckGo HTML endpoint; the query is appended.
const DefaultSearchURL = "https://html.duckduckgo.com/html/?q="

const (
	maxSearchBody   = 512 * 1024
	maxExtractBody  = 256 * 1024
	maxExtractChars = 2000
)

type searchResult struct {
	Title            string `json:"title"`
	Snippet          string `json:"snippet"`
	URL              string `json:"url"`
	ExtractedContent string `json:"extracted_content,omitempty"`
}

type searchOutput struct {
	Query      string         `json:"query"`
	Results    []searchResult `json:"results"`
	NumResults int            `json:"num_results"`
}

func webSearchTool(client *http.Client, searchURL string) Tool {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if searchURL == "" {
		searchURL = DefaultSearchURL
	}
	return Tool{
		Name:        "web_search",
		Description: "Search the web using DuckDuckGo and optionally extract content from results",
		Parameters: Schema{
			Properties: map[string]Property{
				"query":           {Type: "string", Description: "Search query"},
				"max_results":     {Type: "integer", Description: "Maximum number of results to return (default: 5)", Default: 5},
				"extract_content": {Type: "boolean", Description: "Whether to extract content from result URLs (default: false)"},
			},
			Required: []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any, cfg Config) (any, error) {
			query := strings.TrimSpace(argString(args, "query"))
			if query == "" {
				return nil, fmt.Errorf("query is empty")
			}
			limit := argInt(args, "max_results", 5)
			if cfg.MaxResults > 0 && limit > cfg.MaxResults {
				limit = cfg.MaxResults
			}
			limit = min(max(limit, 1), 10)

			results, err := searchDDG(ctx, client, searchURL, query, limit)
			if err != nil {
				return nil, err
			}
			if argBool(args, "extract_content") {
				for i := range results {
					results[i].ExtractedContent = extractPage(ctx, client, results[i].URL)
				}
			}
			return searchOutput{Query: query, Results: results, NumResults: len(results)}, nil
		},
	}
}

func searchDDG(ctx context.Context, client *http.Client, searchURL, query string, limit int) ([]searchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL+url.QueryEscape(query), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "MailOS/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBody))
	if err != nil {
		return nil, fmt.Errorf("reading search results: %w", err)
	}
	return parseDDGResults(body, limit)
}

// parseDDGResults keeps only results carrying a title, a snippet and a
// displayed URL.
func parseDDGResults(body []byte, limit int) ([]searchResult, error) {
	doc, err := htmltext.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing search results: %w", err)
	}
	results := []searchResult{}
	for _, node := range htmltext.FindAll(doc, htmltext.ByClass("result")) {
		if len(results) >= limit {
			break
		}
		title := htmltext.FindFirst(node, htmltext.ByClass("result__title"))
		snippet := htmltext.FindFirst(node, htmltext.ByClass("result__snippet"))
		link := htmltext.FindFirst(node, htmltext.ByClass("result__url"))
		if title == nil || snippet == nil || link == nil {
			continue
		}
		results = append(results, searchResult{
			Title:   htmltext.Text(title),
			Snippet: htmltext.Text(snippet),
			URL:     resultURL(link),
		})
	}
	return results, nil
}

// resultURL prefers the decoded uddg redirect target over the displayed
// text.
func resultURL(link *htmltext.Node) string {
	href := htmltext.Attr(link, "href")
	if u, err := url.Parse(href); err == nil {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
		if u.Scheme == "http" || u.Scheme == "https" {
			return href
		}
	}
	text := htmltext.Text(link)
	if text != "" && !strings.Contains(text, "://") {
		text = "https://" + text
	}
	return text
}

// extractPage fetches a result page and returns the start of its text.
// Failures yield an empty string.
func extractPage(ctx context.Context, client *http.Client, pageURL string) string {
	if !strings.HasPrefix(pageURL, "http://") && !strings.HasPrefix(pageURL, "https://") {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ""
	}
	resp, err := client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	text, err := htmltext.Convert(io.LimitReader(resp.Body, maxExtractBody))
	if err != nil {
		return ""
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxExtractChars {
		text = text[:maxExtractChars]
	}
	return text
}
