package vits

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	padSymbol = "_"
	bosSymbol = "^"
	eosSymbol = "$"
)

// Tokenizer maps characters to model token ids from a tokens.txt file with
// one "<symbol> <id>" pair per line. The symbol may itself be a space.
type Tokenizer struct {
	tokenToID map[string]int64
	padID     int64
	hasPad    bool
}

func NewTokenizer(tokensPath string) (*Tokenizer, error) {
	f, err := os.Open(tokensPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open tokens file: %w", err)
	}
	defer f.Close()

	return LoadTokenizer(f)
}

func LoadTokenizer(r io.Reader) (*Tokenizer, error) {
	t := &Tokenizer{
		tokenToID: make(map[string]int64),
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		idx := strings.LastIndexByte(line, ' ')
		if idx <= 0 {
			continue
		}
		id, err := strconv.ParseInt(line[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		t.tokenToID[line[:idx]] = id
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tokens file: %w", err)
	}
	if len(t.tokenToID) == 0 {
		return nil, fmt.Errorf("tokens file has no entries")
	}

	if id, ok := t.tokenToID[padSymbol]; ok {
		t.padID = id
		t.hasPad = true
	}

	return t, nil
}

// Encode maps each known rune of text to its id. When the token set has a
// pad symbol, it is interspersed between symbols and at both ends, and the
// bos/eos markers are added when present.
func (t *Tokenizer) Encode(text string) []int64 {
	tokens := make([]int64, 0, len(text)*2+3)

	if id, ok := t.tokenToID[bosSymbol]; ok {
		tokens = append(tokens, id)
	}
	if t.hasPad {
		tokens = append(tokens, t.padID)
	}

	symbols := 0
	for _, r := range text {
		id, ok := t.tokenToID[string(r)]
		if !ok {
			continue
		}
		tokens = append(tokens, id)
		if t.hasPad {
			tokens = append(tokens, t.padID)
		}
		symbols++
	}
	if symbols == 0 {
		return nil
	}

	if id, ok := t.tokenToID[eosSymbol]; ok {
		tokens = append(tokens, id)
	}

	return tokens
}
