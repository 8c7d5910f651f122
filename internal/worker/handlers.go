package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phamdk/lingocore/internal/job"
)

// The built-in handlers walk their payload step by step, checkpointing
// through the Reporter between steps. The actual translation provider
// sits behind the Translator interface so the pipeline can be exercised
// without network access.

// Translator is the external provider boundary.
type Translator interface {
	Translate(ctx context.Context, sourceLang, targetLang, text string) (string, error)
}

// TranslatorFunc adapts a function to the Translator interface.
type TranslatorFunc func(ctx context.Context, sourceLang, targetLang, text string) (string, error)

func (f TranslatorFunc) Translate(ctx context.Context, sourceLang, targetLang, text string) (string, error) {
	return f(ctx, sourceLang, targetLang, text)
}

// EchoTranslator is the development fallback: it returns the input
// tagged with the target language after a short simulated delay.
func EchoTranslator(delay time.Duration) Translator {
	return TranslatorFunc(func(ctx context.Context, _, targetLang, text string) (string, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return fmt.Sprintf("[%s] %s", targetLang, text), nil
	})
}

// TranslationPayload is the payload for translation jobs.
type TranslationPayload struct {
	SourceLang string   `json:"source_lang"`
	TargetLang string   `json:"target_lang"`
	Segments   []string `json:"segments"`
}

// TranslationResult is the result for translation jobs.
type TranslationResult struct {
	SourceLang string   `json:"source_lang"`
	TargetLang string   `json:"target_lang"`
	Segments   []string `json:"segments"`
}

// NewTranslationHandler translates payload segments one at a time,
// checkpointing after each segment.
func NewTranslationHandler(translator Translator) Handler {
	return func(ctx context.Context, j *job.Job, rep Reporter) (json.RawMessage, error) {
		var p TranslationPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", job.ErrInvalidPayload, err)
		}
		if p.TargetLang == "" || len(p.Segments) == 0 {
			return nil, fmt.Errorf("%w: target_lang and segments are required", job.ErrInvalidPayload)
		}

		if err := rep.SetTotalSteps(ctx, len(p.Segments)); err != nil {
			return nil, err
		}

		out := make([]string, 0, len(p.Segments))
		for i, seg := range p.Segments {
			translated, err := translator.Translate(ctx, p.SourceLang, p.TargetLang, seg)
			if err != nil {
				// Provider failures are worth retrying.
				return nil, job.Transient(fmt.Errorf("translate segment %d: %w", i+1, err))
			}
			out = append(out, translated)

			if err := rep.Progress(ctx, percent(i+1, len(p.Segments)), i+1); err != nil {
				return nil, err
			}
		}

		return json.Marshal(TranslationResult{
			SourceLang: p.SourceLang,
			TargetLang: p.TargetLang,
			Segments:   out,
		})
	}
}

// DocumentPayload is the payload for document_processing jobs.
type DocumentPayload struct {
	DocumentID string `json:"document_id"`
	Pages      int    `json:"pages"`
}

// documentStages are the fixed phases of document preparation.
var documentStages = []string{"fetch", "extract", "segment", "normalize"}

// NewDocumentHandler walks the document preparation stages with a
// checkpoint after each one.
func NewDocumentHandler(stageDelay time.Duration) Handler {
	return func(ctx context.Context, j *job.Job, rep Reporter) (json.RawMessage, error) {
		var p DocumentPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", job.ErrInvalidPayload, err)
		}
		if p.DocumentID == "" {
			return nil, fmt.Errorf("%w: document_id is required", job.ErrInvalidPayload)
		}

		if err := rep.SetTotalSteps(ctx, len(documentStages)); err != nil {
			return nil, err
		}

		for i := range documentStages {
			if stageDelay > 0 {
				select {
				case <-time.After(stageDelay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if err := rep.Progress(ctx, percent(i+1, len(documentStages)), i+1); err != nil {
				return nil, err
			}
		}

		return json.Marshal(map[string]any{
			"document_id": p.DocumentID,
			"pages":       p.Pages,
			"stages":      documentStages,
		})
	}
}

// BatchPayload is the payload for batch_translation jobs.
type BatchPayload struct {
	SourceLang string               `json:"source_lang"`
	TargetLang string               `json:"target_lang"`
	Documents  []TranslationPayload `json:"documents"`
}

// NewBatchHandler translates a set of documents, one checkpoint per
// document.
func NewBatchHandler(translator Translator) Handler {
	return func(ctx context.Context, j *job.Job, rep Reporter) (json.RawMessage, error) {
		var p BatchPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", job.ErrInvalidPayload, err)
		}
		if len(p.Documents) == 0 {
			return nil, fmt.Errorf("%w: documents are required", job.ErrInvalidPayload)
		}

		if err := rep.SetTotalSteps(ctx, len(p.Documents)); err != nil {
			return nil, err
		}

		results := make([]TranslationResult, 0, len(p.Documents))
		for i, doc := range p.Documents {
			sourceLang := doc.SourceLang
			if sourceLang == "" {
				sourceLang = p.SourceLang
			}
			targetLang := doc.TargetLang
			if targetLang == "" {
				targetLang = p.TargetLang
			}

			out := make([]string, 0, len(doc.Segments))
			for _, seg := range doc.Segments {
				translated, err := translator.Translate(ctx, sourceLang, targetLang, seg)
				if err != nil {
					return nil, job.Transient(fmt.Errorf("translate document %d: %w", i+1, err))
				}
				out = append(out, translated)
			}
			results = append(results, TranslationResult{
				SourceLang: sourceLang,
				TargetLang: targetLang,
				Segments:   out,
			})

			if err := rep.Progress(ctx, percent(i+1, len(p.Documents)), i+1); err != nil {
				return nil, err
			}
		}

		return json.Marshal(map[string]any{"documents": results})
	}
}

// RegisterBuiltins wires the three built-in handlers into the registry.
func RegisterBuiltins(r *Registry, translator Translator, stageDelay time.Duration) {
	r.Register(job.TypeTranslation, NewTranslationHandler(translator))
	r.Register(job.TypeBatchTranslation, NewBatchHandler(translator))
	r.Register(job.TypeDocumentProcessing, NewDocumentHandler(stageDelay))
}

func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return done * 100 / total
}
