package ocr

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/spf13/viper"

	"github.com/finvoice/pipeline/internal/models"
	"github.com/finvoice/pipeline/services/ingest-service/internal/ratelimit"
)

// Provider error codes the gateway reacts to. codeQPSLimit is the
// provider's concurrency rejection and is retried; codeEmptyResult is a
// synthetic code recorded when a success-shaped payload has no content.
const (
	codeQPSLimit    = 18
	codeEmptyResult = -6
)

// Outcome classifies one recognition attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Result is the gateway's answer for one document.
type Result struct {
	Outcome   Outcome
	Response  *models.OCRResponse
	Raw       []byte
	ErrorCode int
	ErrorMsg  string
	// Reused marks results satisfied without a provider call.
	Reused bool
}

// Recognizer is the provider client.
type Recognizer interface {
	Recognize(ctx context.Context, content []byte) (*models.OCRResponse, []byte, error)
}

// ResultReuse looks up a prior successful recognition of the same bytes on
// an already-ingested document, across owners.
type ResultReuse interface {
	SuccessfulRawBySHA256(ctx context.Context, sha256 string) ([]byte, bool, error)
}

// Cache is the digest-keyed payload cache.
type Cache interface {
	GetSuccess(ctx context.Context, sha256 string) ([]byte, bool, error)
	PutSuccess(ctx context.Context, sha256 string, payload []byte) error
}

// Gateway is the single entry point for recognition. It reuses prior
// results, paces provider calls through the limiter, retries the
// provider's rate-limit rejections with exponential backoff, and
// classifies each payload. It never mutates documents.
type Gateway struct {
	client  Recognizer
	reuse   ResultReuse
	cache   Cache
	limiter ratelimit.Limiter

	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewGateway(client Recognizer, reuse ResultReuse, cache Cache, limiter ratelimit.Limiter) *Gateway {
	maxRetries := viper.GetInt("ocr.max_retries")
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Gateway{
		client:      client,
		reuse:       reuse,
		cache:       cache,
		limiter:     limiter,
		maxRetries:  maxRetries,
		backoffBase: time.Second,
		backoffCap:  60 * time.Second,
		sleep:       sleepCtx,
	}
}

// Recognize resolves one document's content. Reuse is checked before the
// provider is paid: first a prior document with the same digest, then the
// payload cache. A transport error is returned as-is for the caller's
// retry policy; provider-level failure becomes a failed Result.
func (g *Gateway) Recognize(ctx context.Context, sha256 string, content []byte) (Result, error) {
	if res, ok := g.reusable(ctx, sha256); ok {
		return res, nil
	}

	attempt := 0
	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
		parsed, raw, err := g.client.Recognize(ctx, content)
		if err != nil {
			return Result{}, err
		}

		if parsed.ErrorCode == codeQPSLimit && attempt < g.maxRetries {
			backoff := g.backoffBase << attempt
			// The shift overflows negative past attempt 62.
			if backoff <= 0 || backoff > g.backoffCap {
				backoff = g.backoffCap
			}
			log.Printf("ocr: provider rate limited, retrying in %v (attempt %d/%d)", backoff, attempt+1, g.maxRetries)
			if err := g.sleep(ctx, backoff); err != nil {
				return Result{}, err
			}
			attempt++
			continue
		}

		res := classify(parsed, raw)
		if res.Outcome == OutcomeSuccess && g.cache != nil {
			if err := g.cache.PutSuccess(ctx, sha256, raw); err != nil {
				log.Printf("ocr: cache write failed for %s: %v", sha256, err)
			}
		}
		return res, nil
	}
}

func (g *Gateway) reusable(ctx context.Context, sha256 string) (Result, bool) {
	if g.reuse != nil {
		raw, ok, err := g.reuse.SuccessfulRawBySHA256(ctx, sha256)
		if err != nil {
			log.Printf("ocr: document reuse lookup failed for %s: %v", sha256, err)
		} else if ok {
			if res, valid := decodeReused(raw); valid {
				return res, true
			}
		}
	}
	if g.cache != nil {
		raw, ok, err := g.cache.GetSuccess(ctx, sha256)
		if err != nil {
			log.Printf("ocr: cache lookup failed for %s: %v", sha256, err)
		} else if ok {
			if res, valid := decodeReused(raw); valid {
				return res, true
			}
		}
	}
	return Result{}, false
}

// decodeReused revalidates a stored payload. Anything that no longer
// parses as a successful response is skipped rather than trusted.
func decodeReused(raw []byte) (Result, bool) {
	var parsed models.OCRResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, false
	}
	if parsed.ErrorCode != 0 || parsed.Empty() {
		return Result{}, false
	}
	return Result{Outcome: OutcomeSuccess, Response: &parsed, Raw: raw, Reused: true}, true
}

func classify(parsed *models.OCRResponse, raw []byte) Result {
	if parsed.ErrorCode != 0 {
		return Result{
			Outcome:   OutcomeFailed,
			Response:  parsed,
			Raw:       raw,
			ErrorCode: parsed.ErrorCode,
			ErrorMsg:  parsed.ErrorMsg,
		}
	}
	if parsed.Empty() {
		return Result{
			Outcome:   OutcomeFailed,
			Response:  parsed,
			Raw:       raw,
			ErrorCode: codeEmptyResult,
			ErrorMsg:  "empty recognition result",
		}
	}
	return Result{Outcome: OutcomeSuccess, Response: parsed, Raw: raw}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
