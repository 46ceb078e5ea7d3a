package classifier

import (
	"path"
	"strings"
)

// DefaultDestTemplate is the library layout used when no template is
// configured.
const DefaultDestTemplate = "/Media/{type}/{year}/{title} ({year})"

// DestinationBuilder renders classifications into absolute destination
// paths. The template understands {type}, {year} and {title} placeholders.
type DestinationBuilder struct {
	template string
}

// NewDestinationBuilder creates a builder for the given template; an empty
// template falls back to DefaultDestTemplate.
func NewDestinationBuilder(template string) *DestinationBuilder {
	if strings.TrimSpace(template) == "" {
		template = DefaultDestTemplate
	}
	return &DestinationBuilder{template: template}
}

// Build renders the destination path for a classification. Path separators
// inside the title are replaced so one resource cannot fan out into
// unexpected directories.
func (b *DestinationBuilder) Build(c Classification) string {
	title := strings.ReplaceAll(c.Title, "/", "-")
	year := c.Year
	if year == "" {
		year = UnknownYear
	}

	rendered := strings.NewReplacer(
		"{type}", string(c.Category),
		"{year}", year,
		"{title}", title,
	).Replace(b.template)

	return path.Clean("/" + strings.Trim(rendered, "/"))
}
