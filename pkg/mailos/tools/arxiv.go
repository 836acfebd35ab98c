package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultArxivURL is the arXiv export API query endpoint.
const DefaultArxivURL = "https://export.arxiv.org/api/query"

const maxArxivBody = 2 << 20

var arxivSort = map[string]string{
	"relevance":       "relevance",
	"lastUpdatedDate": "lastUpdatedDate",
	"submittedDate":   "submittedDate",
}

type arxivFeed struct {
	Entries []arxivEntry `xml:"http://www.w3.org/2005/Atom entry"`
}

type arxivEntry struct {
	ID        string `xml:"http://www.w3.org/2005/Atom id"`
	Title     string `xml:"http://www.w3.org/2005/Atom title"`
	Summary   string `xml:"http://www.w3.org/2005/Atom summary"`
	Published string `xml:"http://www.w3.org/2005/Atom published"`
	Updated   string `xml:"http://www.w3.org/2005/Atom updated"`
	Authors   []struct {
		Name string `xml:"http://www.w3.org/2005/Atom name"`
	} `xml:"http://www.w3.org/2005/Atom author"`
	Links []struct {
		Href  string `xml:"href,attr"`
		Rel   string `xml:"rel,attr"`
		Title string `xml:"title,attr"`
	} `xml:"http://www.w3.org/2005/Atom link"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"http://www.w3.org/2005/Atom category"`
	PrimaryCategory struct {
		Term string `xml:"term,attr"`
	} `xml:"http://arxiv.org/schemas/atom primary_category"`
	DOI string `xml:"http://arxiv.org/schemas/atom doi"`
}

type arxivPaper struct {
	Title           string            `json:"title"`
	Authors         []string          `json:"authors"`
	Published       string            `json:"published"`
	Updated         string            `json:"updated,omitempty"`
	DOI             string            `json:"doi,omitempty"`
	PrimaryCategory string            `json:"primary_category,omitempty"`
	Categories      []string          `json:"categories"`
	Links           map[string]string `json:"links"`
	Abstract        string            `json:"abstract,omitempty"`
}

type arxivOutput struct {
	Query      string       `json:"query"`
	NumResults int          `json:"num_results"`
	Results    []arxivPaper `json:"results"`
}

func arxivTool(client *http.Client, endpoint string) Tool {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if endpoint == "" {
		endpoint = DefaultArxivURL
	}
	return Tool{
		Name:        "arxiv_search",
		Description: "Search arXiv for academic papers and research articles",
		Parameters: Schema{
			Properties: map[string]Property{
				"query":            {Type: "string", Description: "Search query (e.g. 'quantum computing', 'machine learning')"},
				"max_results":      {Type: "integer", Description: "Maximum number of results to return (default: 5, at most 100)", Default: 5},
				"sort_by":          {Type: "string", Description: "Sort order for results", Enum: []string{"relevance", "lastUpdatedDate", "submittedDate"}},
				"include_abstract": {Type: "boolean", Description: "Whether to include paper abstracts (default: true)", Default: true},
			},
			Required: []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any, cfg Config) (any, error) {
			query := strings.TrimSpace(argString(args, "query"))
			if query == "" {
				return nil, fmt.Errorf("query cannot be empty")
			}
			limit := argInt(args, "max_results", 5)
			if cfg.MaxResults > 0 && limit > cfg.MaxResults {
				limit = cfg.MaxResults
			}
			limit = min(max(limit, 1), 100)
			sortBy := arxivSort[argString(args, "sort_by")]
			if sortBy == "" {
				sortBy = "relevance"
			}
			withAbstract := true
			if v, ok := args["include_abstract"].(bool); ok {
				withAbstract = v
			}

			entries, err := searchArxiv(ctx, client, endpoint, query, sortBy, limit)
			if err != nil {
				return nil, err
			}
			out := arxivOutput{Query: query, Results: make([]arxivPaper, 0, len(entries))}
			for _, e := range entries {
				out.Results = append(out.Results, e.paper(withAbstract))
			}
			out.NumResults = len(out.Results)
			return out, nil
		},
	}
}

func searchArxiv(ctx context.Context, client *http.Client, endpoint, query, sortBy string, limit int) ([]arxivEntry, error) {
	q := url.Values{}
	q.Set("search_query", "all:"+query)
	q.Set("start", "0")
	q.Set("max_results", fmt.Sprint(limit))
	q.Set("sortBy", sortBy)
	q.Set("sortOrder", "descending")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "MailOS/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arxiv search failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv search failed with status %d", resp.StatusCode)
	}

	var feed arxivFeed
	if err := xml.NewDecoder(io.LimitReader(resp.Body, maxArxivBody)).Decode(&feed); err != nil {
		return nil, fmt.Errorf("parsing arxiv response: %w", err)
	}
	if len(feed.Entries) > limit {
		feed.Entries = feed.Entries[:limit]
	}
	return feed.Entries, nil
}

func (e arxivEntry) paper(withAbstract bool) arxivPaper {
	p := arxivPaper{
		Title:           collapse(e.Title),
		Published:       e.Published,
		DOI:             e.DOI,
		PrimaryCategory: e.PrimaryCategory.Term,
		Authors:         []string{},
		Categories:      []string{},
		Links:           map[string]string{"abstract": e.ID},
	}
	if e.Updated != e.Published {
		p.Updated = e.Updated
	}
	for _, a := range e.Authors {
		p.Authors = append(p.Authors, collapse(a.Name))
	}
	for _, c := range e.Categories {
		p.Categories = append(p.Categories, c.Term)
	}
	for _, l := range e.Links {
		if l.Title == "pdf" {
			p.Links["pdf"] = l.Href
		}
	}
	if withAbstract {
		p.Abstract = collapse(e.Summary)
	}
	return p
}

// collapse joins the hard-wrapped lines arXiv returns.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
