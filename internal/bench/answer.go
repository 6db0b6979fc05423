package bench

import (
	"fmt"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// Span is a predicted answer as token positions, inclusive on both ends.
type Span struct {
	Start int
	End   int
}

// Spans picks the arg-max start and end position of every item.
func Spans(logits Logits) ([]Span, error) {
	if logits.Batch <= 0 || logits.SeqLen <= 0 {
		return nil, fmt.Errorf("empty logits %dx%d", logits.Batch, logits.SeqLen)
	}
	want := logits.Batch * logits.SeqLen
	if len(logits.Start) != want || len(logits.End) != want {
		return nil, fmt.Errorf("logits size mismatch: start=%d end=%d want=%d", len(logits.Start), len(logits.End), want)
	}

	starts, err := argmaxRows(logits.Start, logits.Batch, logits.SeqLen)
	if err != nil {
		return nil, fmt.Errorf("start logits: %w", err)
	}
	ends, err := argmaxRows(logits.End, logits.Batch, logits.SeqLen)
	if err != nil {
		return nil, fmt.Errorf("end logits: %w", err)
	}

	spans := make([]Span, logits.Batch)
	for i := range spans {
		spans[i] = Span{Start: starts[i], End: ends[i]}
	}
	return spans, nil
}

func argmaxRows(values []float32, rows, cols int) ([]int, error) {
	t := tensor.New(tensor.WithShape(rows, cols), tensor.Of(tensor.Float32), tensor.WithBacking(values))
	am, err := tensor.Argmax(t, 1)
	if err != nil {
		return nil, err
	}
	switch data := am.Data().(type) {
	case []int:
		return data, nil
	case int:
		return []int{data}, nil
	default:
		return nil, fmt.Errorf("unexpected argmax type %T", data)
	}
}

// Answer slices a span out of the item's input ids. An end before the start
// yields an empty answer.
func Answer(ids []int64, span Span) []int64 {
	if span.Start < 0 || span.Start >= len(ids) || span.End < span.Start {
		return nil
	}
	end := min(span.End+1, len(ids))
	return ids[span.Start:end]
}

// Confidence is the joint softmax probability of the span's start and end
// positions for one item.
func Confidence(logits Logits, item int, span Span) float32 {
	if item < 0 || item >= logits.Batch || len(logits.Start) < logits.Batch*logits.SeqLen || len(logits.End) < logits.Batch*logits.SeqLen {
		return 0
	}
	row := item * logits.SeqLen
	start := softmaxAt(logits.Start[row:row+logits.SeqLen], span.Start)
	end := softmaxAt(logits.End[row:row+logits.SeqLen], span.End)
	return start * end
}

func softmaxAt(row []float32, idx int) float32 {
	if idx < 0 || idx >= len(row) {
		return 0
	}
	peak := math32.Inf(-1)
	for _, v := range row {
		peak = math32.Max(peak, v)
	}
	var sum float32
	for _, v := range row {
		sum += math32.Exp(v - peak)
	}
	return math32.Exp(row[idx]-peak) / sum
}
