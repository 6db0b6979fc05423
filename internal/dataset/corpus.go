// Package dataset loads the tokenized question-answering corpus and serves it
// as randomly sampled batches.
package dataset

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Corpus holds the encoded examples. All three matrices share one shape.
type Corpus struct {
	InputIDs      [][]int64 `json:"input_ids"`
	AttentionMask [][]int64 `json:"attention_mask"`
	TokenTypeIDs  [][]int64 `json:"token_type_ids"`
}

// LoadCorpus reads a tokenized corpus file.
func LoadCorpus(path string) (*Corpus, error) {
	// #nosec G304 -- dataset path comes from local configuration.
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open corpus")
	}
	defer file.Close()

	var corpus Corpus
	if err := json.NewDecoder(file).Decode(&corpus); err != nil {
		return nil, errors.Wrapf(err, "decode corpus %s", path)
	}
	if err := corpus.Validate(); err != nil {
		return nil, errors.Wrapf(err, "corpus %s", path)
	}
	return &corpus, nil
}

// Len returns the number of examples.
func (c *Corpus) Len() int {
	return len(c.InputIDs)
}

// SeqLen returns the token length of every example.
func (c *Corpus) SeqLen() int {
	if len(c.InputIDs) == 0 {
		return 0
	}
	return len(c.InputIDs[0])
}

// Validate checks that the corpus is non-empty and rectangular.
func (c *Corpus) Validate() error {
	n := len(c.InputIDs)
	if n == 0 {
		return errors.New("no examples")
	}
	if len(c.AttentionMask) != n || len(c.TokenTypeIDs) != n {
		return errors.Errorf("row count mismatch: input_ids=%d attention_mask=%d token_type_ids=%d",
			n, len(c.AttentionMask), len(c.TokenTypeIDs))
	}
	seq := len(c.InputIDs[0])
	if seq == 0 {
		return errors.New("empty token sequence")
	}
	for i := 0; i < n; i++ {
		if len(c.InputIDs[i]) != seq || len(c.AttentionMask[i]) != seq || len(c.TokenTypeIDs[i]) != seq {
			return errors.Errorf("example %d: sequence length differs from %d", i, seq)
		}
	}
	return nil
}

// Batch is a row-major [Size x SeqLen] slice of the corpus.
type Batch struct {
	Size          int
	SeqLen        int
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
}

// Row returns the input ids of item i.
func (b Batch) Row(i int) []int64 {
	return b.InputIDs[i*b.SeqLen : (i+1)*b.SeqLen]
}

// collate copies the examples at indices into one batch.
func (c *Corpus) collate(indices []int) Batch {
	seq := c.SeqLen()
	batch := Batch{
		Size:          len(indices),
		SeqLen:        seq,
		InputIDs:      make([]int64, 0, len(indices)*seq),
		AttentionMask: make([]int64, 0, len(indices)*seq),
		TokenTypeIDs:  make([]int64, 0, len(indices)*seq),
	}
	for _, idx := range indices {
		batch.InputIDs = append(batch.InputIDs, c.InputIDs[idx]...)
		batch.AttentionMask = append(batch.AttentionMask, c.AttentionMask[idx]...)
		batch.TokenTypeIDs = append(batch.TokenTypeIDs, c.TokenTypeIDs[idx]...)
	}
	return batch
}
