package gguf

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type MetadataAnalyzer struct {
	file *GGUFFile
}

func NewMetadataAnalyzer(file *GGUFFile) *MetadataAnalyzer {
	return &MetadataAnalyzer{file: file}
}

type AnalysisReport struct {
	Architecture    string
	ModelName       string
	VocabSize       int
	HiddenSize      int
	TensorCount     int
	TotalParameters int64
	MemoryEstimate  int64
}

func (a *MetadataAnalyzer) Analyze() (*AnalysisReport, error) {
	report := &AnalysisReport{
		TensorCount: len(a.file.Tensors),
	}

	report.Architecture, _ = a.file.String("general.architecture")
	report.ModelName, _ = a.file.String("general.name")

	report.HiddenSize = int(a.kvInt(report.Architecture+".embedding_length", report.Architecture+".hidden_size"))
	report.VocabSize = int(a.kvInt(report.Architecture + ".vocab_size"))
	if report.VocabSize == 0 {
		if tokens, err := a.file.Strings("tokenizer.ggml.tokens"); err == nil {
			report.VocabSize = len(tokens)
		}
	}

	for _, t := range a.file.Tensors {
		report.TotalParameters += int64(t.NumElements())
		report.MemoryEstimate += int64(t.SizeBytes())
	}

	return report, nil
}

func (a *MetadataAnalyzer) kvInt(keys ...string) uint64 {
	for _, key := range keys {
		if v, ok := a.file.Uint(key); ok {
			return v
		}
	}
	return 0
}

func (r *AnalysisReport) String() string {
	return fmt.Sprintf(`GGUF Model Analysis Report
============================
Architecture:     %s
Model Name:       %s
Vocab Size:       %d
Hidden Size:      %d
Total Tensors:    %d
Total Parameters: %s
Memory Estimate:  %s
`,
		r.Architecture,
		r.ModelName,
		r.VocabSize,
		r.HiddenSize,
		r.TensorCount,
		humanize.Comma(r.TotalParameters),
		humanize.IBytes(uint64(r.MemoryEstimate)),
	)
}

// ValidateTensors reports tensors with an unsupported type or data that
// overlaps the previous tensor.
func (a *MetadataAnalyzer) ValidateTensors() []string {
	var issues []string

	end := uint64(0)
	for i, t := range a.file.Tensors {
		size := t.SizeBytes()
		if size == 0 {
			issues = append(issues,
				fmt.Sprintf("Tensor %d (%s): unknown size for type %s", i, t.Name, t.Type))
		}
		if t.Offset < end {
			issues = append(issues,
				fmt.Sprintf("Tensor %d (%s): offset %d overlaps previous tensor ending at %d", i, t.Name, t.Offset, end))
		}
		end = t.Offset + size
	}

	return issues
}

func (a *MetadataAnalyzer) FindMissingTensors(required []string) []string {
	var missing []string
	for _, name := range required {
		if a.file.Tensor(name) == nil {
			missing = append(missing, name)
		}
	}
	return missing
}

type TensorStats struct {
	Name         string
	Type         string
	Dimensions   []uint64
	ElementCount uint64
	SizeBytes    uint64
	MinValue     float64
	MaxValue     float64
	MeanValue    float64
	HasNaN       bool
	HasInf       bool
}

func (a *MetadataAnalyzer) ComputeStats(tensorName string) (*TensorStats, error) {
	tensor := a.file.Tensor(tensorName)
	if tensor == nil {
		return nil, fmt.Errorf("tensor %s not found", tensorName)
	}

	stats := &TensorStats{
		Name:         tensor.Name,
		Type:         tensor.Type.String(),
		Dimensions:   tensor.Dimensions,
		ElementCount: tensor.NumElements(),
		SizeBytes:    tensor.SizeBytes(),
	}

	data, err := tensor.Float64s()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return stats, nil
	}

	finite := data[:0:0]
	for _, v := range data {
		switch {
		case math.IsNaN(v):
			stats.HasNaN = true
		case math.IsInf(v, 0):
			stats.HasInf = true
		default:
			finite = append(finite, v)
		}
	}
	if len(finite) > 0 {
		stats.MinValue = floats.Min(finite)
		stats.MaxValue = floats.Max(finite)
		stats.MeanValue = stat.Mean(finite, nil)
	}

	return stats, nil
}
