package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	providerSerpAPI    = "serpapi"
	providerDuckDuckGo = "duckduckgo"
	providerKeywords   = "built-in-keywords"

	defaultSerpAPIURL    = "https://serpapi.com/search.json"
	defaultDuckDuckGoURL = "https://api.duckduckgo.com/"

	maxTopK       = 10
	maxTitleRunes = 100
)

// SearchResult is a single hit returned to the model.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchResponse is the JSON body of a web_search observation.
type SearchResponse struct {
	Results  []SearchResult `json:"results"`
	Provider string         `json:"provider"`
	Summary  string         `json:"summary"`
}

// SearchConfig configures the web search chain.
type SearchConfig struct {
	SerpAPIKey string
	Timeout    time.Duration
	TopK       int
	// KeywordFallback enables the built-in ATS keyword table when every live
	// provider fails. When false, total failure is ErrUpstreamUnavailable.
	KeywordFallback bool

	// Endpoint overrides, mainly for tests.
	SerpAPIURL    string
	DuckDuckGoURL string
}

// Searcher runs a query through SerpAPI, then DuckDuckGo, then the keyword table.
type Searcher struct {
	cfg        SearchConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSearcher applies defaults and returns a Searcher.
func NewSearcher(cfg SearchConfig, logger *slog.Logger) *Searcher {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.SerpAPIURL == "" {
		cfg.SerpAPIURL = defaultSerpAPIURL
	}
	if cfg.DuckDuckGoURL == "" {
		cfg.DuckDuckGoURL = defaultDuckDuckGoURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type searchArgs struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// Tool returns the web_search tool backed by s.
func (s *Searcher) Tool() Tool {
	schema := mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Search query, e.g. \"ATS keywords for senior backend engineer\"",
			},
			"top_k": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     maxTopK,
				"description": "Number of results to return (default 5)",
			},
		},
		"required": []string{"query"},
	})

	return Tool{
		Spec: Spec{
			Name: WebSearch,
			Description: "Search the web for current industry keywords, role expectations and phrasing. " +
				"Returns a list of results with title, url and snippet.",
			Schema:     schema,
			SideEffect: ExternalSearch,
		},
		Exec: func(ctx context.Context, _ Invocation, raw json.RawMessage) (Observation, error) {
			var args searchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return Observation{}, fmt.Errorf("decode arguments: %w", err)
			}
			resp, err := s.Search(ctx, args.Query, args.TopK)
			if err != nil {
				return Observation{}, err
			}
			body, err := json.Marshal(resp)
			if err != nil {
				return Observation{}, fmt.Errorf("encode search response: %w", err)
			}
			return Observation{Text: string(body)}, nil
		},
	}
}

// Search runs the provider chain and returns at most topK results.
func (s *Searcher) Search(ctx context.Context, query string, topK int) (*SearchResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	topK = min(topK, maxTopK)

	var (
		results  []SearchResult
		provider string
		lastErr  error
	)

	if s.cfg.SerpAPIKey != "" {
		results, lastErr = s.searchSerpAPI(ctx, query, topK)
		if lastErr != nil {
			s.logger.Warn("Serpapi search failed", "error", lastErr)
		} else if len(results) > 0 {
			provider = providerSerpAPI
		}
	}

	if provider == "" {
		var err error
		results, err = s.searchDuckDuckGo(ctx, query, topK)
		if err != nil {
			s.logger.Warn("Duckduckgo search failed", "error", err)
			lastErr = err
		} else if len(results) > 0 {
			provider = providerDuckDuckGo
		}
	}

	if provider == "" {
		if !s.cfg.KeywordFallback {
			if lastErr == nil {
				return nil, fmt.Errorf("no results for %q", query)
			}
			return nil, fmt.Errorf("%w: web search: %v", ErrUpstreamUnavailable, lastErr)
		}
		provider = providerKeywords
		results = fallbackKeywords(query)
	}

	if len(results) > topK {
		results = results[:topK]
	}

	summary := fmt.Sprintf("Search completed using %s. Found %d results.", provider, len(results))
	if provider == providerKeywords {
		summary += " (Note: These are curated ATS keywords since live web search is unavailable)"
	}

	s.logger.Debug("Web search completed", "query", query, "provider", provider, "results", len(results))
	return &SearchResponse{Results: results, Provider: provider, Summary: summary}, nil
}

func (s *Searcher) searchSerpAPI(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("engine", "google")
	params.Set("q", query)
	params.Set("num", strconv.Itoa(topK))
	params.Set("api_key", s.cfg.SerpAPIKey)

	body, err := s.get(ctx, s.cfg.SerpAPIURL+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("serpapi: %w", err)
	}

	var serpResp struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if err := json.Unmarshal(body, &serpResp); err != nil {
		return nil, fmt.Errorf("serpapi: parse response: %w", err)
	}

	results := make([]SearchResult, 0, topK)
	for _, r := range serpResp.OrganicResults {
		if len(results) >= topK {
			break
		}
		if r.Link == "" {
			continue
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return results, nil
}

// searchDuckDuckGo uses the Instant Answer API, which needs no key.
func (s *Searcher) searchDuckDuckGo(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("no_html", "1")

	body, err := s.get(ctx, s.cfg.DuckDuckGoURL+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: %w", err)
	}

	var ddgResp struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &ddgResp); err != nil {
		return nil, fmt.Errorf("duckduckgo: parse response: %w", err)
	}

	results := make([]SearchResult, 0, topK)
	if ddgResp.AbstractText != "" && ddgResp.AbstractURL != "" {
		results = append(results, SearchResult{
			Title:   ddgResp.Heading,
			URL:     ddgResp.AbstractURL,
			Snippet: ddgResp.AbstractText,
		})
	}
	for i := 0; i < len(ddgResp.RelatedTopics) && len(results) < topK; i++ {
		topic := ddgResp.RelatedTopics[i]
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		results = append(results, SearchResult{
			Title:   truncateRunes(topic.Text, maxTitleRunes),
			URL:     topic.FirstURL,
			Snippet: topic.Text,
		})
	}
	return results, nil
}

func (s *Searcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; TailorBot/1.0)")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

type keywordCategory struct {
	name     string
	keywords []string
}

// atsKeywords is ordered so results are deterministic across runs.
var atsKeywords = []keywordCategory{
	{"ai engineer", []string{
		"Machine Learning, Deep Learning, Neural Networks, TensorFlow, PyTorch",
		"Natural Language Processing (NLP), Computer Vision, LLMs, Transformers",
		"Python, R, SQL, Data Analysis, Model Training, Model Deployment",
		"LangChain, RAG, Prompt Engineering, Vector Databases, Embeddings",
		"AWS, Azure, GCP, Docker, Kubernetes, MLOps, CI/CD",
	}},
	{"nlp", []string{
		"Natural Language Processing, Text Mining, Sentiment Analysis, Named Entity Recognition",
		"BERT, GPT, Transformers, Hugging Face, spaCy, NLTK",
		"Language Models, Text Classification, Information Extraction, Question Answering",
		"Tokenization, Word Embeddings, Attention Mechanisms, Sequence-to-Sequence",
	}},
	{"llm", []string{
		"Large Language Models, GPT, BERT, LLaMA, Claude, Gemini",
		"Prompt Engineering, Few-Shot Learning, Fine-Tuning, RLHF",
		"LangChain, LlamaIndex, Vector Databases, RAG (Retrieval-Augmented Generation)",
		"OpenAI API, Anthropic API, Model Evaluation, Hallucination Mitigation",
	}},
	{"action verbs", []string{
		"Developed, Engineered, Implemented, Designed, Architected, Built",
		"Optimized, Enhanced, Improved, Increased, Reduced, Streamlined",
		"Led, Managed, Coordinated, Collaborated, Mentored, Trained",
		"Analyzed, Evaluated, Assessed, Researched, Investigated, Tested",
	}},
}

var genericKeywords = []SearchResult{
	{Title: "Core AI/ML: Machine Learning, Deep Learning, Neural Networks, TensorFlow, PyTorch, Scikit-learn", URL: "built-in-ai-ml"},
	{Title: "NLP/LLM: Natural Language Processing, Large Language Models, Transformers, BERT, GPT, LangChain", URL: "built-in-nlp"},
	{Title: "Data: Python, SQL, Data Analysis, Feature Engineering, Model Training, Model Evaluation", URL: "built-in-data"},
	{Title: "Cloud/DevOps: AWS, Azure, Docker, Kubernetes, CI/CD, MLOps, Model Deployment", URL: "built-in-cloud"},
	{Title: "Action Verbs: Developed, Engineered, Optimized, Implemented, Designed, Led, Analyzed", URL: "built-in-verbs"},
}

// fallbackKeywords returns at most five keyword sets matching the query.
func fallbackKeywords(query string) []SearchResult {
	q := strings.ToLower(query)
	var results []SearchResult
	for _, cat := range atsKeywords {
		if !strings.Contains(q, cat.name) {
			continue
		}
		for i, kw := range cat.keywords {
			results = append(results, SearchResult{
				Title: "ATS Keywords: " + kw,
				URL:   fmt.Sprintf("built-in-keywords-%s-%d", cat.name, i),
			})
		}
	}
	if len(results) == 0 {
		results = append(results, genericKeywords...)
	}
	if len(results) > 5 {
		results = results[:5]
	}
	return results
}
