package stemming

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Stemmer maps free text to its search tokens. Implementations may return
// duplicates; callers reduce them with Unique.
type Stemmer func(text string) []string

// Selector picks the stemmer for one text field. A nil result means the field
// has no stemmer.
type Selector func(collectionName, fieldName string) Stemmer

const (
	Whitespace = "whitespace"
	Lowercase  = "lowercase"
	Word       = "word"
	Folding    = "folding"
)

var stemmers = map[string]Stemmer{
	Whitespace: tokenizeWhitespace,
	Lowercase:  tokenizeLowercase,
	Word:       tokenizeWord,
	Folding:    tokenizeFolding,
}

// Names lists the built-in stemmers.
func Names() []string {
	names := make([]string, 0, len(stemmers))
	for name := range stemmers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByName returns a built-in stemmer, optionally dropping the stopwords of
// the named preset ("" for none).
func ByName(name, stopwordPreset string) (Stemmer, error) {
	stemmer, ok := stemmers[name]
	if !ok {
		return nil, fmt.Errorf("unknown stemmer '%s' (available: %s)", name, strings.Join(Names(), ", "))
	}
	if stopwordPreset == "" {
		return stemmer, nil
	}
	stopwords, ok := presets[stopwordPreset]
	if !ok {
		return nil, fmt.Errorf("unknown stopword preset '%s'", stopwordPreset)
	}
	return WithoutStopwords(stemmer, stopwords), nil
}

// Unique drops repeated terms, keeping the first occurrence of each.
func Unique(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	unique := make([]string, 0, len(terms))
	for _, term := range terms {
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		unique = append(unique, term)
	}
	return unique
}

// WithoutStopwords wraps a stemmer so it never emits the given words.
func WithoutStopwords(stemmer Stemmer, stopwords map[string]struct{}) Stemmer {
	return func(text string) []string {
		terms := stemmer(text)
		kept := terms[:0]
		for _, term := range terms {
			if _, stop := stopwords[strings.ToLower(term)]; !stop {
				kept = append(kept, term)
			}
		}
		return kept
	}
}

// Terms are separated by whitespace, with the original case kept.
func tokenizeWhitespace(in string) []string {
	return splitTerms(in, unicode.IsSpace, false)
}

func tokenizeLowercase(in string) []string {
	return splitTerms(in, unicode.IsSpace, true)
}

// tokenizeWord keeps runs of letters and digits as lower case terms. Any
// other rune ends a term.
func tokenizeWord(in string) []string {
	return splitTerms(in, notAlphanumeric, true)
}

func notAlphanumeric(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsNumber(r)
}

func splitTerms(in string, separator func(rune) bool, lower bool) []string {
	if lower {
		in = strings.ToLower(in)
	}
	return strings.FieldsFunc(in, separator)
}

// tokenizeFolding is tokenizeWord with diacritics removed, so "Café" and
// "cafe" share a term.
func tokenizeFolding(in string) []string {
	folder := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, in)
	if err != nil {
		folded = in
	}
	return tokenizeWord(folded)
}

// StaticSelector uses one stemmer for every text field.
func StaticSelector(stemmer Stemmer) Selector {
	return func(string, string) Stemmer {
		return stemmer
	}
}

// MapSelector picks per-field stemmers keyed by "collection.field" and falls
// back to def, which may be nil.
func MapSelector(byField map[string]Stemmer, def Stemmer) Selector {
	return func(collectionName, fieldName string) Stemmer {
		if stemmer, ok := byField[collectionName+"."+fieldName]; ok {
			return stemmer
		}
		return def
	}
}
