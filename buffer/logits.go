package buffer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/zeu5/rollout-buffer/slim"
	"github.com/zeu5/rollout-buffer/tensor"
	"github.com/zeu5/rollout-buffer/util"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// BufferFileName is the file written by LogitsBuffer.Save inside its directory
const BufferFileName = "buffer.jsonl"

const DefaultFlushThreshold = 1000

// LogitsConfig configures a LogitsBuffer
type LogitsConfig struct {
	// TopK entries kept per token, compression (and logits) disabled when <= 0
	TopK int
	// FlushThreshold is the number of pending compressed records that
	// triggers a merge into the primary store
	FlushThreshold int
	Logger         *zap.Logger
}

func DefaultLogitsConfig() LogitsConfig {
	return LogitsConfig{
		FlushThreshold: DefaultFlushThreshold,
	}
}

// LogitsInput is one batch of generations with their token distributions
type LogitsInput struct {
	Instructions []string
	Outputs      []string
	// Logits holds one [max_seq_len x vocab_size] matrix per trajectory,
	// required when compression is enabled
	Logits            []*mat.Dense
	OutputTokensLogps tensor.Matrix[float64]
}

// LogitsSample is one batch of a LogitsBuffer
type LogitsSample struct {
	Instructions []string
	Outputs      []string
	// Logits are dense reconstructions of the compressed records,
	// absent when compression is disabled
	Logits            tensor.Option[[]*mat.Dense]
	OutputTokensLogps *mat.Dense
}

// LogitsBuffer accumulates generations across many Extend calls.
//
// Text and log-probs are concatenated immediately. Compressed logits go to
// a pending log first and are merged into the primary store when the log
// grows past FlushThreshold records, or before any read (Len, Get, GetLogps,
// Records, Save).
type LogitsBuffer struct {
	config LogitsConfig
	logger *zap.Logger

	instructions []string
	outputs      []string
	logps        tensor.Matrix[float64]

	logits         *slim.Logits
	pending        []*slim.Logits
	pendingRecords int
}

// NewLogitsBuffer returns an empty buffer
func NewLogitsBuffer(config LogitsConfig) *LogitsBuffer {
	if config.FlushThreshold <= 0 {
		config.FlushThreshold = DefaultFlushThreshold
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogitsBuffer{
		config: config,
		logger: logger.With(zap.String("component", "logits_buffer")),
		logits: slim.New(config.TopK, 0, 0),
	}
}

// NewLogitsBufferFrom returns a buffer holding in, compressing its logits
// when config.TopK > 0
func NewLogitsBufferFrom(config LogitsConfig, in LogitsInput) (*LogitsBuffer, error) {
	b := NewLogitsBuffer(config)
	rows := in.OutputTokensLogps.Rows()
	if len(in.Instructions) != rows || len(in.Outputs) != rows {
		return nil, fmt.Errorf("%w: %d instructions, %d outputs, %d log-prob rows", ErrShapeMismatch, len(in.Instructions), len(in.Outputs), rows)
	}
	if b.Compressed() {
		if in.Logits == nil {
			return nil, fmt.Errorf("%w: logits are required with top-k %d", ErrMissingField, config.TopK)
		}
		if len(in.Logits) != rows {
			return nil, fmt.Errorf("%w: %d logits for %d trajectories", ErrShapeMismatch, len(in.Logits), rows)
		}
		for i, l := range in.Logits {
			if r, _ := l.Dims(); r != in.OutputTokensLogps.Cols() {
				return nil, fmt.Errorf("%w: logits %d have %d tokens, log-probs have %d", ErrShapeMismatch, i, r, in.OutputTokensLogps.Cols())
			}
		}
		compressed, err := slim.Compress(in.Logits, config.TopK)
		if err != nil {
			return nil, err
		}
		b.logits = compressed
	}
	b.instructions = append(b.instructions, in.Instructions...)
	b.outputs = append(b.outputs, in.Outputs...)
	b.logps = in.OutputTokensLogps.Clone()
	return b, nil
}

// Compressed reports whether compressed logits are kept
func (b *LogitsBuffer) Compressed() bool {
	return b.config.TopK > 0
}

func (b *LogitsBuffer) TopK() int {
	return b.config.TopK
}

// Pending is the number of compressed records not merged yet
func (b *LogitsBuffer) Pending() int {
	return b.pendingRecords
}

// Len flushes pending records and returns the number of trajectories
func (b *LogitsBuffer) Len() int {
	b.Flush()
	return len(b.instructions)
}

// Extend appends the contents of other. Extending with an empty buffer is a
// no-op. An empty buffer adopts the compression setting of other; otherwise
// both settings must agree.
func (b *LogitsBuffer) Extend(other *LogitsBuffer) error {
	n := len(other.instructions)
	if n == 0 {
		return nil
	}
	if len(b.instructions) == 0 && b.pendingRecords == 0 {
		b.config.TopK = other.config.TopK
	} else if b.Compressed() != other.Compressed() {
		return fmt.Errorf("%w: cannot extend top-k %d buffer with top-k %d buffer", ErrShapeMismatch, b.config.TopK, other.config.TopK)
	}
	if len(b.instructions) > 0 && b.logps.Cols() != other.logps.Cols() {
		return fmt.Errorf("%w: log-probs have %d columns, got %d", ErrShapeMismatch, b.logps.Cols(), other.logps.Cols())
	}

	parts := make([]*slim.Logits, 0, 1+len(other.pending))
	if b.Compressed() {
		// snapshots, other may keep growing
		parts = append(parts, other.logits.Slice(0, other.logits.Len()))
		for _, p := range other.pending {
			parts = append(parts, p.Slice(0, p.Len()))
		}
		if ref := b.reference(); ref != nil {
			for _, p := range parts {
				if err := ref.Compatible(p); err != nil {
					return fmt.Errorf("%w: %v", ErrShapeMismatch, err)
				}
			}
		}
	}

	b.instructions = append(b.instructions, other.instructions...)
	b.outputs = append(b.outputs, other.outputs...)
	_ = b.logps.Append(other.logps)
	bufferRowsAppended.WithLabelValues("logits").Add(float64(n))

	for _, p := range parts {
		if p.Len() == 0 {
			continue
		}
		b.pending = append(b.pending, p)
		b.pendingRecords += p.Len()
		logitsPendingRecords.Add(float64(p.Len()))
	}
	if b.pendingRecords > b.config.FlushThreshold {
		b.Flush()
	}
	return nil
}

// reference is the first non-empty compressed store, used for shape checks
func (b *LogitsBuffer) reference() *slim.Logits {
	if b.logits.Len() > 0 {
		return b.logits
	}
	for _, p := range b.pending {
		if p.Len() > 0 {
			return p
		}
	}
	return nil
}

// Flush merges the pending log into the primary store
func (b *LogitsBuffer) Flush() {
	if len(b.pending) == 0 {
		return
	}
	for _, p := range b.pending {
		// shapes were checked when p entered the log
		_ = b.logits.Extend(p)
	}
	b.logger.Debug("flushed pending logits", zap.Int("records", b.pendingRecords), zap.Int("total", b.logits.Len()))
	logitsPendingRecords.Sub(float64(b.pendingRecords))
	logitsFlushes.Inc()
	b.pending = nil
	b.pendingRecords = 0
}

func (b *LogitsBuffer) reset() {
	logitsPendingRecords.Sub(float64(b.pendingRecords))
	b.instructions = nil
	b.outputs = nil
	b.logps = tensor.Matrix[float64]{}
	b.logits = slim.New(b.config.TopK, 0, 0)
	b.pending = nil
	b.pendingRecords = 0
}

// Records flushes and returns the buffer in its persisted form
func (b *LogitsBuffer) Records() []LogitsRecord {
	n := b.Len()
	records := make([]LogitsRecord, n)
	for i := range records {
		records[i] = LogitsRecord{
			Instruction:       b.instructions[i],
			Output:            b.outputs[i],
			OutputTokensLogps: append(make([]float64, 0, b.logps.Cols()), b.logps.Row(i)...),
		}
		if b.Compressed() {
			records[i].Logits = b.logits.Record(i)
		}
	}
	return records
}

// FromRecords replaces the contents of the buffer with records. Records
// carrying logits switch the buffer to the top-k they were saved with.
func (b *LogitsBuffer) FromRecords(records []LogitsRecord) error {
	return b.setRecords(records, 0)
}

// setRecords replaces the contents; offset is the index of records[0] in its source
func (b *LogitsBuffer) setRecords(records []LogitsRecord, offset int) error {
	instructions := make([]string, len(records))
	outputs := make([]string, len(records))
	logps := make([][]float64, len(records))
	slimRecords := make([]slim.Record, 0, len(records))
	compressed := b.Compressed() || (len(records) > 0 && !records[0].Logits.IsZero())
	for i, r := range records {
		if i > 0 && len(r.OutputTokensLogps) != len(logps[0]) {
			return fmt.Errorf("%w: record %d has %d log-probs, expected %d", ErrShapeMismatch, offset+i, len(r.OutputTokensLogps), len(logps[0]))
		}
		instructions[i] = r.Instruction
		outputs[i] = r.Output
		logps[i] = r.OutputTokensLogps
		switch {
		case compressed && r.Logits.IsZero():
			return fmt.Errorf("%w: record %d has no logits", ErrMissingField, offset+i)
		case !r.Logits.IsZero():
			slimRecords = append(slimRecords, r.Logits)
		}
	}
	if !compressed && len(slimRecords) > 0 {
		return fmt.Errorf("%w: only some records carry logits", ErrMissingField)
	}
	logpsMatrix, err := tensor.FromRows(logps)
	if err != nil {
		return err
	}
	logits := slim.New(b.config.TopK, 0, 0)
	if len(slimRecords) > 0 {
		if logits, err = slim.FromRecords(slimRecords); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
		b.config.TopK = logits.TopK()
	}

	b.reset()
	b.instructions = instructions
	b.outputs = outputs
	b.logps = logpsMatrix
	b.logits = logits
	return nil
}

// Save writes one record per line to dir/buffer.jsonl, creating dir when
// needed. overwrite truncates an existing file instead of appending to it;
// selfClean empties the buffer once the file is written.
func (b *LogitsBuffer) Save(dir string, overwrite, selfClean bool) error {
	records := b.Records()
	saveFile := filepath.Join(dir, BufferFileName)
	b.logger.Info("saving buffer", zap.String("file", saveFile), zap.Int("records", len(records)), zap.Bool("overwrite", overwrite))

	f, err := util.CreateJSONL(dir, BufferFileName, overwrite)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, r := range records {
		if err := enc.Encode(r); err != nil {
			f.Close()
			return fmt.Errorf("failed to encode record %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logitsRecordsPersisted.WithLabelValues("save").Add(float64(len(records)))

	if selfClean {
		b.reset()
	}
	b.logger.Info("saving done", zap.String("file", saveFile))
	return nil
}

// Load replaces the contents of the buffer with the records on lines
// [start, stop) of file; a negative stop reads to the end. The first
// malformed line fails the load and leaves the buffer untouched.
func (b *LogitsBuffer) Load(file string, start, stop int) error {
	b.logger.Info("loading buffer", zap.String("file", file), zap.Int("start", start), zap.Int("stop", stop))
	records := make([]LogitsRecord, 0)
	err := util.ScanJSONL(file, start, stop, func(line int, bs []byte) error {
		r, err := decodeLogitsRecord(bs)
		if err != nil {
			return fmt.Errorf("%w: %s line %d: %v", ErrMalformedRecord, file, line, err)
		}
		records = append(records, r)
		return nil
	})
	if err != nil {
		return err
	}
	if err := b.setRecords(records, start); err != nil {
		return err
	}
	logitsRecordsPersisted.WithLabelValues("load").Add(float64(len(records)))
	b.logger.Info("loading done", zap.Int("records", len(records)))
	return nil
}

// Get serves the buffer in order, batchSize trajectories at a time
func (b *LogitsBuffer) Get(batchSize int) (*Batches[LogitsSample], error) {
	return b.get(batchSize, b.Compressed())
}

// GetText serves the buffer like Get but never rebuilds dense logits
func (b *LogitsBuffer) GetText(batchSize int) (*Batches[LogitsSample], error) {
	return b.get(batchSize, false)
}

func (b *LogitsBuffer) get(batchSize int, withLogits bool) (*Batches[LogitsSample], error) {
	indices, err := batchOrder(b.Len(), batchSize, false, nil)
	if err != nil {
		return nil, err
	}
	return newBatches(indices, batchSize, func(idx []int) LogitsSample {
		s := LogitsSample{
			Instructions:      make([]string, len(idx)),
			Outputs:           make([]string, len(idx)),
			Logits:            tensor.None[[]*mat.Dense](),
			OutputTokensLogps: tensor.ToDense(b.logps.Gather(idx)),
		}
		for i, j := range idx {
			s.Instructions[i] = b.instructions[j]
			s.Outputs[i] = b.outputs[j]
		}
		if withLogits {
			logits := make([]*mat.Dense, len(idx))
			for i, j := range idx {
				logits[i] = b.logits.Fetch(j)
			}
			s.Logits = tensor.Some(logits)
		}
		return s
	}), nil
}

// GetLogps serves only the token log-probs, batchSize rows at a time
func (b *LogitsBuffer) GetLogps(batchSize int) (*Batches[*mat.Dense], error) {
	indices, err := batchOrder(b.Len(), batchSize, false, nil)
	if err != nil {
		return nil, err
	}
	return newBatches(indices, batchSize, func(idx []int) *mat.Dense {
		return tensor.ToDense(b.logps.Gather(idx))
	}), nil
}
