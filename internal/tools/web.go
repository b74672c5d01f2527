// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the tool system the model can call into.
// web.go implements a DuckDuckGo HTML retrieval tool for web search without API keys.
package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/hearth/internal/util"
)

// =============================================================================
// PERFORMANCE: Pre-compiled regex (compiled once at startup)
// =============================================================================

var (
	// DuckDuckGo HTML parsing patterns
	ddgTitleRegex   = regexp.MustCompile(`(?s)<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.+?)</a>`)
	ddgSnippetRegex = regexp.MustCompile(`(?s)<a[^>]+class="result__snippet"[^>]*>(.+?)</a>`)

	// HTML cleaning patterns
	ddgTagRegex        = regexp.MustCompile(`<[^>]*>`)
	ddgWhitespaceRegex = regexp.MustCompile(`\s+`)
)

// =============================================================================
// WEB RETRIEVE EXECUTOR
// =============================================================================

// WebRetrieveExecutor implements web retrieval using DuckDuckGo HTML.
type WebRetrieveExecutor struct {
	// BaseURL is the DuckDuckGo HTML search endpoint
	BaseURL string

	// MaxResults is the maximum number of results to return (default: 5, max: 10)
	MaxResults int

	// Timeout is the maximum time for the request (default: 15s)
	Timeout time.Duration

	// UserAgent is the User-Agent header to send
	UserAgent string

	// Limiter throttles outbound searches so chained tool calls cannot
	// hammer the endpoint.
	Limiter *rate.Limiter
}

// SearchResult represents a single search result.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// Execute performs a DuckDuckGo search and returns formatted results.
func (e *WebRetrieveExecutor) Execute(ctx context.Context, params map[string]interface{}) (Result, error) {
	// Set defaults
	if e.BaseURL == "" {
		e.BaseURL = "https://html.duckduckgo.com/html/"
	}
	if e.MaxResults == 0 {
		e.MaxResults = 5
	}
	if e.Timeout == 0 {
		e.Timeout = 15 * time.Second
	}
	if e.UserAgent == "" {
		e.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if e.Limiter == nil {
		// One search per two seconds, burst of three.
		e.Limiter = rate.NewLimiter(rate.Every(2*time.Second), 3)
	}

	query := getStringParam(params, "query", "")
	maxResults := getIntParam(params, "max_results", e.MaxResults)

	if query == "" {
		return Result{
			Success: false,
			Error:   "query parameter is required",
		}, nil
	}

	if maxResults < 1 {
		maxResults = 1
	}
	if maxResults > 10 {
		maxResults = 10
	}

	if err := e.Limiter.Wait(ctx); err != nil {
		return Result{
			Success: false,
			Error:   "search canceled: " + err.Error(),
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	results, err := e.search(ctx, query)
	if err != nil {
		return Result{
			Success: false,
			Error:   "search failed: " + err.Error(),
		}, nil
	}

	if len(results) > maxResults {
		results = results[:maxResults]
	}

	return Result{
		Success: true,
		Output:  e.formatResults(query, results),
	}, nil
}

// search performs the actual DuckDuckGo request.
func (e *WebRetrieveExecutor) search(ctx context.Context, query string) ([]SearchResult, error) {
	searchURL := e.BaseURL + "?q=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, "GET", searchURL, nil)
	if err != nil {
		return nil, err
	}

	// Note: Don't set Accept-Encoding to gzip/deflate - Go's default http.Client
	// handles this automatically and decompresses. Manual Accept-Encoding breaks this.
	req.Header.Set("User-Agent", e.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("DNT", "1")
	req.Header.Set("Connection", "keep-alive")

	client := &http.Client{
		Timeout: e.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			return nil
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	// Limit to 5MB.
	limitedReader := io.LimitReader(resp.Body, 5*1024*1024)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, err
	}

	return parseHTML(string(body)), nil
}

// parseHTML extracts search results from DuckDuckGo HTML.
// Uses pre-compiled ddgTitleRegex and ddgSnippetRegex.
func parseHTML(html string) []SearchResult {
	var results []SearchResult

	titleMatches := ddgTitleRegex.FindAllStringSubmatch(html, 30)
	snippetMatches := ddgSnippetRegex.FindAllStringSubmatch(html, 30)

	for i, match := range titleMatches {
		if len(match) < 3 {
			continue
		}

		rawURL := match[1]
		title := match[2]

		// DuckDuckGo uses &amp; for & in HTML - decode it for URL parsing
		rawURL = strings.ReplaceAll(rawURL, "&amp;", "&")

		// Extract actual URL from DuckDuckGo redirect
		// Format: //duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com
		actualURL := extractActualURL(rawURL)
		if actualURL == "" {
			continue
		}

		title = strings.TrimSpace(cleanHTML(title))
		if title == "" {
			continue
		}

		snippet := ""
		if i < len(snippetMatches) && len(snippetMatches[i]) >= 2 {
			snippet = strings.TrimSpace(cleanHTML(snippetMatches[i][1]))
		}

		results = append(results, SearchResult{
			Title:   title,
			URL:     actualURL,
			Snippet: snippet,
		})

		if len(results) >= 20 {
			break
		}
	}

	return results
}

// extractActualURL extracts the real URL from DuckDuckGo's redirect wrapper.
func extractActualURL(ddgURL string) string {
	if strings.Contains(ddgURL, "uddg=") {
		if strings.HasPrefix(ddgURL, "//") {
			ddgURL = "https:" + ddgURL
		}
		parsed, err := url.Parse(ddgURL)
		if err != nil {
			return ""
		}
		if encodedURL := parsed.Query().Get("uddg"); encodedURL != "" {
			// Already decoded by Query().Get()
			return encodedURL
		}
	}

	if strings.HasPrefix(ddgURL, "http://") || strings.HasPrefix(ddgURL, "https://") {
		return ddgURL
	}

	return ""
}

// cleanHTML removes HTML tags and decodes common entities.
// Uses pre-compiled ddgTagRegex and ddgWhitespaceRegex.
func cleanHTML(html string) string {
	text := ddgTagRegex.ReplaceAllString(html, "")
	text = decodeHTMLEntities(text)
	text = ddgWhitespaceRegex.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func decodeHTMLEntities(text string) string {
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&#x27;", "'",
		"&nbsp;", " ",
	)
	return replacer.Replace(text)
}

// formatResults formats search results as readable text.
func (e *WebRetrieveExecutor) formatResults(query string, results []SearchResult) string {
	var output strings.Builder

	output.WriteString(fmt.Sprintf("Web results for: %s\n", query))
	output.WriteString(fmt.Sprintf("Found %d results\n\n", len(results)))

	if len(results) == 0 {
		output.WriteString("No results found.\n")
		return output.String()
	}

	for i, result := range results {
		output.WriteString(fmt.Sprintf("[%d] %s\n", i+1, result.Title))
		output.WriteString(fmt.Sprintf("    URL: %s\n", result.URL))

		if result.Snippet != "" {
			// UNICODE: Rune-aware truncation preserves multi-byte characters
			output.WriteString(fmt.Sprintf("    %s\n", util.TruncateRunes(result.Snippet, 300)))
		}

		output.WriteString("\n")
	}

	return output.String()
}

// =============================================================================
// TOOL DEFINITION
// =============================================================================

// WebRetrieveTool performs web searches using DuckDuckGo.
var WebRetrieveTool = &Tool{
	Name:        "x.web.retrieve",
	Description: "Search the web and return titles, URLs, and snippets for a query.",
	Schema: Schema{
		Parameters: []Parameter{
			{
				Name:        "query",
				Type:        "string",
				Required:    true,
				Description: "The search query. Use natural language or keywords.",
			},
			{
				Name:        "max_results",
				Type:        "integer",
				Required:    false,
				Description: "Maximum number of results to return (1-10). Default: 5",
				Default:     5,
			},
		},
	},
	RiskLevel: RiskMedium,
	Executor:  &WebRetrieveExecutor{},
}
