package classifier

import (
	"context"
	"regexp"
	"strings"
)

var (
	yearPattern    = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	episodePattern = regexp.MustCompile(`(?i)\bS\d{1,2}(E\d{1,3})?\b|\bE\d{1,3}\b|\bEP?\.?\d{1,3}\b|第\s*\d+\s*[集期话]`)
	seasonPattern  = regexp.MustCompile(`(?i)\bseason\s*\d+\b|第\s*[一二三四五六七八九十\d]+\s*季`)
	qualityPattern = regexp.MustCompile(`(?i)\b(2160p|1080p|720p|480p|4k|8k|hdr10?\+?|dolby|dv|bluray|blu-ray|bdrip|webrip|web-?dl|hdtv|dvdrip|remux|x26[45]|h26[45]|hevc|avc|aac|ac3|dts(-hd)?|truehd|atmos|10bit|uhd|imax|extended|remastered|complete|repack|proper)\b`)
)

// categoryRule matches a raw title against one category. Rules are evaluated
// in order and the first match wins.
type categoryRule struct {
	category Category
	match    func(title string) bool
}

// RuleClassifier classifies titles with ordered keyword and pattern rules.
// Movies is the catch-all: anything no earlier rule claims is a movie.
type RuleClassifier struct {
	rules []categoryRule
}

// NewRuleClassifier builds the default rule set. Rule order is load-bearing:
// documentaries outrank anime, anime outranks series, so a documentary
// series about animation still files under Documentaries.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{
		rules: []categoryRule{
			{CategoryDocumentaries, matchesAny(
				"documentary", "documentaries", "docuseries", "纪录片", "纪录", "记录片",
				"bbc earth", "national geographic", "国家地理")},
			{CategoryAnime, matchesAny(
				"anime", "动漫", "动画", "番剧", "新番", "里番", "剧场版")},
			{CategorySeries, func(title string) bool {
				lower := strings.ToLower(title)
				if episodePattern.MatchString(title) || seasonPattern.MatchString(title) {
					return true
				}
				return containsAny(lower,
					"series", "电视剧", "连续剧", "美剧", "英剧", "日剧", "韩剧", "港剧", "全集", "更新中")
			}},
			{CategoryMusic, matchesAny(
				"music", "soundtrack", "ost", "album", "discography", "flac", "mp3",
				"音乐", "专辑", "无损", "演唱会", "concert", "live session")},
		},
	}
}

var _ Classifier = (*RuleClassifier)(nil)

// Classify implements Classifier. It never fails on a non-empty title; the
// worst case is the Movies catch-all with an unknown year.
func (c *RuleClassifier) Classify(_ context.Context, rawTitle string) (Classification, error) {
	rawTitle = strings.TrimSpace(rawTitle)
	if rawTitle == "" {
		return Classification{}, ErrEmptyTitle
	}

	category := CategoryMovies
	for _, rule := range c.rules {
		if rule.match(rawTitle) {
			category = rule.category
			break
		}
	}

	return Classification{
		Category: category,
		Title:    CleanTitle(rawTitle),
		Year:     ExtractYear(rawTitle),
	}, nil
}

// ExtractYear pulls the first plausible release year out of a raw title,
// returning UnknownYear when none is found.
func ExtractYear(rawTitle string) string {
	if year := yearPattern.FindString(rawTitle); year != "" {
		return year
	}
	return UnknownYear
}

// CleanTitle strips release noise from a raw title: everything from the
// first year, quality tag, episode or season marker onward is dropped. When
// noise leads the title, noise tokens are removed in place instead.
func CleanTitle(rawTitle string) string {
	normalized := strings.NewReplacer(".", " ", "_", " ", "[", " ", "]", " ", "{", " ", "}", " ").
		Replace(rawTitle)

	cut := len(normalized)
	for _, pattern := range []*regexp.Regexp{yearPattern, qualityPattern, episodePattern, seasonPattern} {
		if loc := pattern.FindStringIndex(normalized); loc != nil && loc[0] < cut {
			cut = loc[0]
		}
	}

	title := strings.Trim(normalized[:cut], " -()")
	if title == "" {
		// Noise leads; keep the tokens that are not noise themselves.
		var kept []string
		for _, token := range strings.Fields(normalized) {
			bare := strings.Trim(token, "()-")
			if bare == "" || yearPattern.MatchString(bare) ||
				qualityPattern.MatchString(bare) || episodePattern.MatchString(bare) {
				continue
			}
			kept = append(kept, token)
		}
		title = strings.Trim(strings.Join(kept, " "), " -()")
	}

	if title == "" {
		return strings.TrimSpace(rawTitle)
	}
	return title
}

func matchesAny(keywords ...string) func(string) bool {
	return func(title string) bool {
		return containsAny(strings.ToLower(title), keywords...)
	}
}

func containsAny(lower string, keywords ...string) bool {
	for _, keyword := range keywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}
