package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleClassifier_Classify(t *testing.T) {
	t.Parallel()

	classifier := NewRuleClassifier()

	testCases := []struct {
		name         string
		rawTitle     string
		wantCategory Category
		wantTitle    string
		wantYear     string
	}{
		{
			name:         "episode marker means series",
			rawTitle:     "Breaking Bad S01E01",
			wantCategory: CategorySeries,
			wantTitle:    "Breaking Bad",
			wantYear:     UnknownYear,
		},
		{
			name:         "year and quality tags mean movie",
			rawTitle:     "Inception (2010) 1080p BluRay",
			wantCategory: CategoryMovies,
			wantTitle:    "Inception",
			wantYear:     "2010",
		},
		{
			name:         "documentary keyword outranks series marker",
			rawTitle:     "Planet Earth Documentary S01 2006",
			wantCategory: CategoryDocumentaries,
			wantTitle:    "Planet Earth Documentary",
			wantYear:     "2006",
		},
		{
			name:         "CJK documentary keyword",
			rawTitle:     "地球脉动 纪录片 第一季",
			wantCategory: CategoryDocumentaries,
			wantYear:     UnknownYear,
		},
		{
			name:         "anime keyword outranks episode marker",
			rawTitle:     "鬼灭之刃 动漫 第26集",
			wantCategory: CategoryAnime,
			wantYear:     UnknownYear,
		},
		{
			name:         "season word means series",
			rawTitle:     "The Wire Season 3 Complete",
			wantCategory: CategorySeries,
			wantTitle:    "The Wire",
			wantYear:     UnknownYear,
		},
		{
			name:         "CJK drama keyword",
			rawTitle:     "狂飙 电视剧 全39集 2023",
			wantCategory: CategorySeries,
			wantYear:     "2023",
		},
		{
			name:         "lossless audio keyword means music",
			rawTitle:     "Pink Floyd Discography FLAC",
			wantCategory: CategoryMusic,
			wantTitle:    "Pink Floyd Discography",
			wantYear:     UnknownYear,
		},
		{
			name:         "movies is the catch-all",
			rawTitle:     "Oppenheimer 2023 IMAX 2160p HDR",
			wantCategory: CategoryMovies,
			wantTitle:    "Oppenheimer",
			wantYear:     "2023",
		},
		{
			name:         "dotted release name",
			rawTitle:     "The.Dark.Knight.2008.720p.x264",
			wantCategory: CategoryMovies,
			wantTitle:    "The Dark Knight",
			wantYear:     "2008",
		},
		{
			name:         "plain title with no markers",
			rawTitle:     "Amelie",
			wantCategory: CategoryMovies,
			wantTitle:    "Amelie",
			wantYear:     UnknownYear,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := classifier.Classify(context.Background(), tc.rawTitle)

			require.NoError(t, err)
			assert.Equal(t, tc.wantCategory, got.Category)
			if tc.wantTitle != "" {
				assert.Equal(t, tc.wantTitle, got.Title)
			}
			assert.Equal(t, tc.wantYear, got.Year)
		})
	}

	t.Run("empty title fails", func(t *testing.T) {
		t.Parallel()

		_, err := classifier.Classify(context.Background(), "   ")
		assert.ErrorIs(t, err, ErrEmptyTitle)
	})
}

func TestExtractYear(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1994", ExtractYear("The Shawshank Redemption 1994"))
	assert.Equal(t, "2010", ExtractYear("Inception (2010) 1080p"))
	assert.Equal(t, UnknownYear, ExtractYear("Breaking Bad S01E01"))
	// 1080 is not a year.
	assert.Equal(t, UnknownYear, ExtractYear("Some Movie 1080p"))
}

func TestCleanTitle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Inception", CleanTitle("Inception (2010) 1080p BluRay"))
	assert.Equal(t, "Breaking Bad", CleanTitle("Breaking Bad S01E01"))
	assert.Equal(t, "The Dark Knight", CleanTitle("The.Dark.Knight.2008.720p.x264"))
	// Noise-only input falls back to the raw title.
	assert.Equal(t, "1080p", CleanTitle("1080p"))
}
