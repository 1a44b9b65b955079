// Package tokenizer turns raw text into the normalised term stream shared by
// the indexer and the query parser. Text is processed line by line: lines
// that contain a markup tag are skipped, the rest are lower-cased, stripped of
// apostrophes and punctuation, split on whitespace, filtered against a fixed
// stop-word list and stemmed with the Snowball English (porter2) stemmer.
package tokenizer

import (
	"regexp"
	"strings"

	"github.com/kljensen/snowball/english"
)

// DefaultStopwords is the stop-word list applied when no other is configured.
var DefaultStopwords = map[string]struct{}{
	"a": {}, "able": {}, "about": {}, "across": {}, "after": {}, "aint": {},
	"all": {}, "almost": {}, "also": {}, "am": {}, "among": {}, "an": {},
	"and": {}, "any": {}, "are": {}, "arent": {}, "as": {}, "at": {}, "be": {},
	"because": {}, "been": {}, "but": {}, "by": {}, "can": {}, "cannot": {},
	"cant": {}, "could": {}, "couldnt": {}, "couldve": {}, "dear": {},
	"did": {}, "didnt": {}, "do": {}, "does": {}, "doesnt": {}, "dont": {},
	"either": {}, "else": {}, "ever": {}, "every": {}, "for": {}, "from": {},
	"get": {}, "got": {}, "had": {}, "has": {}, "hasnt": {}, "have": {},
	"he": {}, "hed": {}, "her": {}, "hers": {}, "hes": {}, "him": {}, "his": {},
	"how": {}, "howd": {}, "however": {}, "howll": {}, "hows": {}, "i": {},
	"id": {}, "if": {}, "ill": {}, "im": {}, "in": {}, "into": {}, "is": {},
	"isnt": {}, "it": {}, "its": {}, "ive": {}, "just": {}, "least": {},
	"let": {}, "like": {}, "likely": {}, "may": {}, "me": {}, "might": {},
	"mightnt": {}, "mightve": {}, "most": {}, "must": {}, "mustnt": {},
	"mustve": {}, "my": {}, "neither": {}, "no": {}, "nor": {}, "not": {},
	"of": {}, "off": {}, "often": {}, "on": {}, "only": {}, "or": {},
	"other": {}, "our": {}, "own": {}, "rather": {}, "said": {}, "say": {},
	"says": {}, "she": {}, "shes": {}, "should": {}, "shouldnt": {},
	"shouldve": {}, "since": {}, "so": {}, "some": {}, "than": {}, "that": {},
	"thatll": {}, "thats": {}, "the": {}, "their": {}, "them": {}, "then": {},
	"there": {}, "theres": {}, "these": {}, "they": {}, "theyd": {},
	"theyll": {}, "theyre": {}, "theyve": {}, "this": {}, "tis": {}, "to": {},
	"too": {}, "twas": {}, "urllink": {}, "us": {}, "wants": {}, "was": {},
	"wasnt": {}, "we": {}, "wed": {}, "well": {}, "were": {}, "werent": {},
	"what": {}, "whatd": {}, "whats": {}, "when": {}, "whend": {}, "whenll": {},
	"whens": {}, "where": {}, "whered": {}, "wherell": {}, "wheres": {},
	"which": {}, "while": {}, "who": {}, "whod": {}, "wholl": {}, "whom": {},
	"whos": {}, "why": {}, "whyd": {}, "whyll": {}, "whys": {}, "will": {},
	"with": {}, "wont": {}, "would": {}, "wouldnt": {}, "wouldve": {},
	"yet": {}, "you": {}, "youd": {}, "youll": {}, "your": {}, "youre": {},
	"youve": {},
}

// tagLine matches an opening or closing markup tag such as <p> or </div>.
var tagLine = regexp.MustCompile(`</?[\p{L}\p{N}_]+>`)

// punctuation deletes apostrophes outright (so "don't" becomes "dont") and
// turns every other ASCII punctuation mark into a word break.
var punctuation = strings.NewReplacer(
	"'", "", "’", "",
	"!", " ", "\"", " ", "#", " ", "$", " ", "%", " ", "&", " ", "(", " ", ")", " ",
	"*", " ", "+", " ", ",", " ", "-", " ", ".", " ", "/", " ", ":", " ", ";", " ",
	"<", " ", "=", " ", ">", " ", "?", " ", "@", " ", "[", " ", "\\", " ", "]", " ",
	"^", " ", "_", " ", "`", " ", "{", " ", "|", " ", "}", " ", "~", " ",
)

// StemFunc maps a lower-cased word to its stem.
type StemFunc func(word string) string

// Token represents a single normalised term and its position in the filtered
// token stream of the whole text.
type Token struct {
	Term     string
	Position int
}

// Option configures a Tokenizer.
type Option func(*Tokenizer)

// WithStemmer replaces the Snowball stemmer.
func WithStemmer(fn StemFunc) Option {
	return func(t *Tokenizer) { t.stem = fn }
}

// WithStopwords replaces the stop-word list.
func WithStopwords(words map[string]struct{}) Option {
	return func(t *Tokenizer) { t.stopwords = words }
}

// Tokenizer is immutable after construction and safe for concurrent use.
type Tokenizer struct {
	stem      StemFunc
	stopwords map[string]struct{}
}

func New(opts ...Option) *Tokenizer {
	t := &Tokenizer{
		stem:      snowballStem,
		stopwords: DefaultStopwords,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var defaultTokenizer = New()

// Default returns the shared tokenizer with the default stemmer and stop words.
func Default() *Tokenizer { return defaultTokenizer }

// Tokenize runs the default tokenizer.
func Tokenize(text string) []Token {
	return defaultTokenizer.Tokenize(text)
}

// Tokenize breaks text into stemmed Tokens. An empty result is normal for
// blank, markup-only or stop-word-only input.
func (t *Tokenizer) Tokenize(text string) []Token {
	tokens := make([]Token, 0, len(text)/8)
	pos := 0
	for _, line := range strings.Split(text, "\n") {
		if tagLine.MatchString(line) {
			continue
		}
		line = punctuation.Replace(strings.ToLower(line))
		for _, word := range strings.Fields(line) {
			if _, isStop := t.stopwords[word]; isStop {
				continue
			}
			stemmed := t.stem(word)
			if stemmed == "" {
				continue
			}
			tokens = append(tokens, Token{Term: stemmed, Position: pos})
			pos++
		}
	}
	return tokens
}

// Terms is Tokenize without positions.
func (t *Tokenizer) Terms(text string) []string {
	tokens := t.Tokenize(text)
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok.Term
	}
	return terms
}

func snowballStem(word string) string {
	return english.Stem(word, true)
}
