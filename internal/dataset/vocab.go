package dataset

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

const unknownToken = "[UNK]"

// Vocab maps WordPiece ids to tokens. The id of a token is its line number
// in vocab.txt, starting at zero.
type Vocab struct {
	tokens []string
}

// NewVocab wraps an in-memory token list.
func NewVocab(tokens []string) *Vocab {
	return &Vocab{tokens: tokens}
}

// LoadVocab reads a vocabulary file with one token per line.
func LoadVocab(path string) (*Vocab, error) {
	// #nosec G304 -- vocabulary path comes from local configuration.
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open vocab")
	}
	defer file.Close()

	var tokens []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		tokens = append(tokens, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read vocab %s", path)
	}
	if len(tokens) == 0 {
		return nil, errors.Errorf("vocab %s is empty", path)
	}
	return &Vocab{tokens: tokens}, nil
}

// Len returns the vocabulary size.
func (v *Vocab) Len() int {
	return len(v.tokens)
}

// Token returns the token for id, or [UNK] when id is out of range.
func (v *Vocab) Token(id int64) string {
	if id < 0 || id >= int64(len(v.tokens)) {
		return unknownToken
	}
	return v.tokens[id]
}

// Decode converts ids to text, merging "##" continuation pieces into the
// preceding word.
func (v *Vocab) Decode(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	words := make([]string, len(ids))
	for i, id := range ids {
		words[i] = v.Token(id)
	}
	return strings.ReplaceAll(strings.Join(words, " "), " ##", "")
}
