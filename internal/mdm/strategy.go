package mdm

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/starford/hiedb/internal/models"
)

// Classification grades a candidate score.
type Classification string

const (
	Match    Classification = "match"
	Probable Classification = "probable"
	NonMatch Classification = "non-match"
)

// Strategy scores how likely candidate and local describe the same subject,
// from 0 to 1.
type Strategy interface {
	Score(local, candidate *models.Record) float64
}

// Thresholds split scores into classifications.
type Thresholds struct {
	Match    float64
	Probable float64
}

// DefaultThresholds are used when configuration leaves them unset.
var DefaultThresholds = Thresholds{Match: 0.9, Probable: 0.6}

// Classify grades score.
func (t Thresholds) Classify(score float64) Classification {
	switch {
	case score >= t.Match:
		return Match
	case score >= t.Probable:
		return Probable
	}
	return NonMatch
}

// DemographicStrategy matches on a shared identifier, otherwise on weighted
// name, birth date and gender agreement.
type DemographicStrategy struct{}

// Score implements Strategy.
func (DemographicStrategy) Score(local, candidate *models.Record) float64 {
	for _, a := range local.Identifiers {
		for _, b := range candidate.Identifiers {
			if a.Authority == b.Authority && a.Value == b.Value {
				return 1
			}
		}
	}

	var score float64
	if n := NormalizeName(local.Demographics.Name); n != "" && n == NormalizeName(candidate.Demographics.Name) {
		score += 0.5
	}
	if b := local.Demographics.BirthDate; b != "" && b == candidate.Demographics.BirthDate {
		score += 0.3
	}
	if g := strings.ToLower(local.Demographics.Gender); g != "" && g == strings.ToLower(candidate.Demographics.Gender) {
		score += 0.2
	}
	return score
}

// NormalizeName folds case, strips diacritics and collapses whitespace.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, name)
	if err != nil {
		out = name
	}
	return strings.Join(strings.Fields(cases.Fold().String(out)), " ")
}
