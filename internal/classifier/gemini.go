package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// ErrInvalidConfig indicates the Gemini classifier cannot be constructed
// from the provided configuration.
var ErrInvalidConfig = errors.New("classifier: invalid gemini configuration")

const geminiPrompt = `Classify this media share title into exactly one category:
Documentaries, Anime, Series, Music or Movies.

Title: %q

Respond with only a JSON object, no prose:
{"category": "<one of the five categories>", "title": "<clean display title, release noise removed>", "year": "<4-digit release year or Unknown>"}`

// GeminiClassifier asks the Gemini API to classify titles and falls back to
// the rule classifier whenever the model call or its output cannot be
// trusted. Classification is best-effort; a broken model never fails a task.
type GeminiClassifier struct {
	client   *genai.Client
	model    string
	fallback *RuleClassifier
	logger   *slog.Logger
}

// NewGeminiClassifier creates the Gemini-backed classifier.
func NewGeminiClassifier(ctx context.Context, apiKey, model string, log *slog.Logger) (*GeminiClassifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key cannot be empty", ErrInvalidConfig)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create client: %v", ErrInvalidConfig, err)
	}

	return &GeminiClassifier{
		client:   client,
		model:    model,
		fallback: NewRuleClassifier(),
		logger:   log.With(slog.String("component", "gemini_classifier")),
	}, nil
}

var _ Classifier = (*GeminiClassifier)(nil)

// Classify implements Classifier. Model failures and malformed responses
// degrade to the rule classifier instead of surfacing as task errors.
func (c *GeminiClassifier) Classify(ctx context.Context, rawTitle string) (Classification, error) {
	rawTitle = strings.TrimSpace(rawTitle)
	if rawTitle == "" {
		return Classification{}, ErrEmptyTitle
	}

	result, err := c.classifyWithModel(ctx, rawTitle)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Classification{}, err
		}
		c.logger.Warn("model classification failed, falling back to rules",
			slog.String("title", rawTitle),
			slog.String("error", err.Error()))
		return c.fallback.Classify(ctx, rawTitle)
	}
	return result, nil
}

func (c *GeminiClassifier) classifyWithModel(ctx context.Context, rawTitle string) (Classification, error) {
	prompt := fmt.Sprintf(geminiPrompt, rawTitle)

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return Classification{}, fmt.Errorf("gemini call failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return Classification{}, errors.New("gemini returned empty response")
	}

	var result Classification
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return Classification{}, fmt.Errorf("unparseable gemini response: %w", err)
	}

	if !isKnownCategory(result.Category) {
		return Classification{}, fmt.Errorf("gemini returned unknown category %q", result.Category)
	}
	if result.Title == "" {
		result.Title = CleanTitle(rawTitle)
	}
	if result.Year == "" {
		result.Year = ExtractYear(rawTitle)
	}
	return result, nil
}

func isKnownCategory(category Category) bool {
	switch category {
	case CategoryDocumentaries, CategoryAnime, CategorySeries, CategoryMusic, CategoryMovies:
		return true
	}
	return false
}
