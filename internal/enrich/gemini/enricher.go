// Package gemini finds investor-relations information for a company with a Gemini model.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/enrich"
)

// Name is the registry name of this enricher.
const Name = "investor_info"

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// Output fields.
const (
	FieldPrimaryWebsite     = "llm_primary_website"
	FieldInvestorSectionURL = "llm_investor_section_url"
	FieldPresentations      = "llm_corporate_presentations"
	FieldPresentationsCount = "llm_presentations_count"
	FieldModel              = "llm_enrichment_model"
	FieldLastUpdated        = "llm_last_updated"
)

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	// Grounding enables Google Search grounding. The API does not accept a response
	// schema together with tools, so grounded responses are parsed from free text.
	Grounding bool

	// Now overrides the clock (tests).
	Now func() time.Time
}

type Enricher struct {
	client    *genai.Client
	model     string
	grounding bool
	now       func() time.Time
}

func New(ctx context.Context, cfg Config) (*Enricher, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Enricher{
		client:    client,
		model:     model,
		grounding: cfg.Grounding,
		now:       now,
	}, nil
}

func (e *Enricher) Name() string { return Name }

type responseSchema struct {
	PrimaryWebsite            *string  `json:"primary_website"`
	InvestorSectionURL        *string  `json:"investor_section_url"`
	CorporatePresentationURLs []string `json:"corporate_presentation_urls"`
}

var outputSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"primary_website":      {Type: genai.TypeString, Nullable: genai.Ptr(true)},
		"investor_section_url": {Type: genai.TypeString, Nullable: genai.Ptr(true)},
		"corporate_presentation_urls": {
			Type:  genai.TypeArray,
			Items: &genai.Schema{Type: genai.TypeString},
		},
	},
	Required: []string{
		"primary_website",
		"investor_section_url",
		"corporate_presentation_urls",
	},
}

func (e *Enricher) Enrich(ctx context.Context, c company.Company) (company.Fields, error) {
	ticker := c.Ticker()
	if ticker == "" {
		return nil, enrich.Permanent(errors.New("investor_info: missing ticker"))
	}
	name := c.String(company.NameField)
	if name == "" {
		name = ticker
	}

	gc := &genai.GenerateContentConfig{CandidateCount: 1}
	if e.grounding {
		gc.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	} else {
		gc.ResponseMIMEType = "application/json"
		gc.ResponseSchema = outputSchema
	}

	resp, err := e.client.Models.GenerateContent(ctx, e.model, genai.Text(buildPrompt(name, ticker)), gc)
	if err != nil {
		return nil, classifyErr(err)
	}

	parsed, err := parseResponse(resp.Text())
	if err != nil {
		// Model output varies between calls; let the retry policy try again.
		return nil, fmt.Errorf("investor_info: %w", err)
	}

	out := company.Fields{
		FieldModel:       e.model,
		FieldLastUpdated: e.now().UTC().Format(time.RFC3339),
	}
	if s := trimPtr(parsed.PrimaryWebsite); s != "" {
		out[FieldPrimaryWebsite] = s
	}
	if s := trimPtr(parsed.InvestorSectionURL); s != "" {
		out[FieldInvestorSectionURL] = s
	}
	urls := dedupePreserveOrder(parsed.CorporatePresentationURLs)
	out[FieldPresentations] = urls
	out[FieldPresentationsCount] = len(urls)
	return out, nil
}

func buildPrompt(name, ticker string) string {
	return strings.TrimSpace(`
You are an information research and extraction agent for public equities. Given a company, find:
- primary_website: the company's primary website URL
- investor_section_url: the investor relations section, found on the primary website
- corporate_presentation_urls: working URLs of the latest corporate presentations listed in the investor section (there may be more than one)

Return ONLY a single JSON object with exactly these keys. Only return valid, working URLs.
If you cannot find a value, use null (or an empty list for corporate_presentation_urls).

Company: ` + name + ` (Ticker: ` + ticker + `)
`)
}

// parseResponse decodes the model's JSON answer, tolerating markdown code fences.
func parseResponse(text string) (responseSchema, error) {
	var out responseSchema
	text = stripFences(text)
	if text == "" {
		return out, errors.New("empty model response")
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return out, fmt.Errorf("parse model json: %w", err)
	}
	return out, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func classifyErr(err error) error {
	// Wrap transient failures so the retry policy backs off; other API errors will not
	// succeed on retry.
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &enrich.TransientError{Err: err}
		}
		return &enrich.PermanentError{Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &enrich.TransientError{Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &enrich.TransientError{Err: err}
	}
	return err
}

func trimPtr(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func dedupePreserveOrder(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
