package saver

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/longbridgeapp/opencc"
	"github.com/rs/zerolog/log"

	"github.com/scribehq/scribe/api/pkg/types"
)

// Sink persists transcription results. The scheduler only ever talks
// to this interface so deployments can swap in object storage or a
// database without touching dispatch.
type Sink interface {
	Save(task *types.Task, result *types.TranscriptionResult) ([]string, error)
}

// TranscriptionSaver writes results to the local output folder in the
// requested formats, normalising traditional Chinese to simplified
// before writing.
type TranscriptionSaver struct {
	outputDir string
	converter *opencc.OpenCC
}

var _ Sink = &TranscriptionSaver{}

func NewTranscriptionSaver(outputDir string) (*TranscriptionSaver, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output folder: %w", err)
	}
	converter, err := opencc.New("t2s")
	if err != nil {
		// Conversion is best effort. Transcripts still get saved,
		// just without normalisation.
		log.Warn().Err(err).Msg("opencc unavailable, skipping t2s conversion")
		converter = nil
	}
	return &TranscriptionSaver{outputDir: outputDir, converter: converter}, nil
}

func (s *TranscriptionSaver) normalize(text string) string {
	if s.converter == nil {
		return text
	}
	converted, err := s.converter.Convert(text)
	if err != nil {
		log.Warn().Err(err).Msg("t2s conversion failed, keeping original text")
		return text
	}
	return converted
}

// Save writes one file per requested format and returns their paths.
// A failure on one format does not abort the others.
func (s *TranscriptionSaver) Save(task *types.Task, result *types.TranscriptionResult) ([]string, error) {
	normalized := *result
	normalized.Text = s.normalize(result.Text)
	normalized.Segments = make([]types.Segment, len(result.Segments))
	for i, seg := range result.Segments {
		seg.Text = s.normalize(seg.Text)
		normalized.Segments[i] = seg
	}

	baseName := strings.TrimSuffix(filepath.Base(task.FilePath), filepath.Ext(task.FilePath))

	var saved []string
	var errs []string
	for _, format := range task.OutputFormats {
		content, err := render(format, &normalized)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", format, err))
			continue
		}
		path := s.targetPath(baseName, string(format))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", format, err))
			continue
		}
		saved = append(saved, path)
		log.Debug().Str("task_id", task.ID).Str("path", path).Msg("saved transcript")
	}

	if len(saved) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("saving transcript: %s", strings.Join(errs, "; "))
	}
	if len(errs) > 0 {
		log.Warn().Str("task_id", task.ID).Strs("errors", errs).Msg("some output formats failed to save")
	}
	return saved, nil
}

// targetPath avoids clobbering existing transcripts by appending a
// timestamp suffix when the natural name is taken.
func (s *TranscriptionSaver) targetPath(baseName, ext string) string {
	path := filepath.Join(s.outputDir, baseName+"."+ext)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	stamp := time.Now().Format("20060102_150405")
	return filepath.Join(s.outputDir, fmt.Sprintf("%s_%s.%s", baseName, stamp, ext))
}

// OutputFile describes one produced transcript on disk.
type OutputFile struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ListOutputs returns produced transcript files, newest first.
func (s *TranscriptionSaver) ListOutputs() ([]OutputFile, error) {
	entries, err := os.ReadDir(s.outputDir)
	if err != nil {
		return nil, fmt.Errorf("reading output folder: %w", err)
	}
	var files []OutputFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, OutputFile{
			Name:       entry.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModifiedAt.After(files[j].ModifiedAt)
	})
	return files, nil
}
