package preprocess_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"avatts/internal/pkg/avatts/preprocess"
)

func TestProcess(t *testing.T) {
	p := preprocess.NewPreprocessor()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace only", " \t\n ", ""},
		{"arabic kaf", "كتاب", "کتاب"},
		{"arabic yeh", "علي", "علی"},
		{"alef maksura", "موسى", "موسی"},
		{"arabic-indic digits", "١٢٣", "۱۲۳"},
		{"persian digits untouched", "۴۵", "۴۵"},
		{"collapse whitespace", "  سلام   دنیا  ", "سلام دنیا"},
		{"latin passthrough", "hello  world", "hello world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Process(tt.in))
		})
	}
}
