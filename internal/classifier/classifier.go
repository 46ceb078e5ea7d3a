// Package classifier maps raw share titles to a media category, a clean
// display title and a release year, and builds the destination path a
// materialized resource should land at.
package classifier

import (
	"context"
	"errors"
)

// Category is a media classification bucket. Buckets double as directory
// names in destination paths.
type Category string

const (
	CategoryDocumentaries Category = "Documentaries"
	CategoryAnime         Category = "Anime"
	CategorySeries        Category = "Series"
	CategoryMusic         Category = "Music"
	CategoryMovies        Category = "Movies"
)

// UnknownYear is the placeholder used when no release year can be extracted.
const UnknownYear = "Unknown"

// ErrEmptyTitle is returned when there is nothing to classify.
var ErrEmptyTitle = errors.New("classifier: empty title")

// Classification is the result of classifying a raw title.
type Classification struct {
	Category Category `json:"category"`
	Title    string   `json:"title"`
	Year     string   `json:"year"`
}

// Classifier decides the category, clean title and year for a raw share
// title. Implementations must be safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, rawTitle string) (Classification, error)
}
