package preprocess

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// Preprocessor folds Persian text into the character set the acoustic model
// was trained on.
type Preprocessor struct{}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{}
}

func (p *Preprocessor) Process(text string) string {
	text = norm.NFC.String(text)
	text = normalizeCharacters(text)
	text = normalizeDigits(text)
	text = expandNumbers(text)
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	return text
}

var characterFolds = strings.NewReplacer(
	"ك", "ک", // Arabic Kaf -> Keheh
	"ي", "ی", // Arabic Yeh -> Farsi Yeh
	"ى", "ی", // Alef Maksura -> Farsi Yeh
	"ة", "ه", // Teh Marbuta -> Heh
)

func normalizeCharacters(text string) string {
	return characterFolds.Replace(text)
}

// normalizeDigits maps Arabic-Indic digits onto Extended Arabic-Indic
// (Persian) digits.
func normalizeDigits(text string) string {
	return strings.Map(func(r rune) rune {
		if r >= '٠' && r <= '٩' {
			return r - '٠' + '۰'
		}
		return r
	}, text)
}

// expandNumbers is the hook for number-to-words expansion. Digits are
// passed through unchanged.
func expandNumbers(text string) string {
	return text
}
