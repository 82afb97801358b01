package vits

import (
	"fmt"
	"strings"

	"github.com/neurlang/goruut/lib"
	"github.com/neurlang/goruut/models/requests"
)

const (
	PhonemizerGoruut = "goruut"
	// PhonemizerNone feeds the normalized letters to the tokenizer as is,
	// for models whose token set is the script itself.
	PhonemizerNone = "none"
)

// Phonemizer turns normalized text into the symbol string the token set
// expects.
type Phonemizer interface {
	Phonemize(text string) string
}

type goruutPhonemizer struct {
	p        *lib.Phonemizer
	language string
}

func newGoruutPhonemizer(language string) *goruutPhonemizer {
	return &goruutPhonemizer{
		p:        lib.NewPhonemizer(nil),
		language: language,
	}
}

func (ph *goruutPhonemizer) Phonemize(text string) string {
	resp := ph.p.Sentence(requests.PhonemizeSentence{
		Language: ph.language,
		Sentence: text,
	})

	var result strings.Builder
	for i, word := range resp.Words {
		if i > 0 {
			result.WriteString(" ")
		}
		result.WriteString(word.Phonetic)
	}
	return result.String()
}

// newPhonemizer returns nil for PhonemizerNone.
func newPhonemizer(kind string) (Phonemizer, error) {
	switch kind {
	case "", PhonemizerGoruut:
		return newGoruutPhonemizer("Persian"), nil
	case PhonemizerNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown phonemizer %q (want %q or %q)", kind, PhonemizerGoruut, PhonemizerNone)
	}
}
