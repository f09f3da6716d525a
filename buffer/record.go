package buffer

import (
	"encoding/json"
	"errors"

	"github.com/zeu5/rollout-buffer/slim"
)

// LogitsRecord is one line of a persisted buffer file
type LogitsRecord struct {
	Instruction       string      `json:"instruction"`
	Output            string      `json:"output"`
	Logits            slim.Record `json:"logits"`
	OutputTokensLogps []float64   `json:"output_tokens_logps"`
}

// wireLogitsRecord tells missing fields apart from zero values
type wireLogitsRecord struct {
	Instruction       *string      `json:"instruction"`
	Output            *string      `json:"output"`
	Logits            *slim.Record `json:"logits"`
	OutputTokensLogps *[]float64   `json:"output_tokens_logps"`
}

func decodeLogitsRecord(bs []byte) (LogitsRecord, error) {
	var w wireLogitsRecord
	if err := json.Unmarshal(bs, &w); err != nil {
		return LogitsRecord{}, err
	}
	switch {
	case w.Instruction == nil:
		return LogitsRecord{}, errors.New("missing instruction")
	case w.Output == nil:
		return LogitsRecord{}, errors.New("missing output")
	case w.Logits == nil:
		return LogitsRecord{}, errors.New("missing logits")
	case w.OutputTokensLogps == nil:
		return LogitsRecord{}, errors.New("missing output_tokens_logps")
	}
	return LogitsRecord{
		Instruction:       *w.Instruction,
		Output:            *w.Output,
		Logits:            *w.Logits,
		OutputTokensLogps: *w.OutputTokensLogps,
	}, nil
}
