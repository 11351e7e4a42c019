package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/finvoice/pipeline/internal/models"
)

type fakeRecognizer struct {
	responses [][]byte
	calls     int
	err       error
}

func (f *fakeRecognizer) Recognize(ctx context.Context, content []byte) (*models.OCRResponse, []byte, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	raw := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	var parsed models.OCRResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, err
	}
	return &parsed, raw, nil
}

type fakeReuse struct {
	raw   []byte
	calls int
	err   error
}

func (f *fakeReuse) SuccessfulRawBySHA256(ctx context.Context, sha256 string) ([]byte, bool, error) {
	f.calls++
	if f.err != nil {
		return nil, false, f.err
	}
	return f.raw, f.raw != nil, nil
}

type fakeCache struct {
	entries  map[string][]byte
	puts     int
	getErr   error
	putErr   error
	lastPut  string
	lastBody []byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]byte{}}
}

func (f *fakeCache) GetSuccess(ctx context.Context, sha256 string) ([]byte, bool, error) {
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	raw, ok := f.entries[sha256]
	return raw, ok, nil
}

func (f *fakeCache) PutSuccess(ctx context.Context, sha256 string, payload []byte) error {
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	f.lastPut = sha256
	f.lastBody = payload
	f.entries[sha256] = payload
	return nil
}

type fakeLimiter struct {
	waits int
	err   error
}

func (f *fakeLimiter) Wait(ctx context.Context) error {
	f.waits++
	return f.err
}

const goodPayload = `{"words_result_num": 2, "words_result": {"InvoiceNum": {"word": "42"}, "SellerName": {"word": "x"}}}`
const qpsPayload = `{"error_code": 18, "error_msg": "Open api qps request limit reached"}`

func newTestGateway(client Recognizer, reuse ResultReuse, cache Cache, limiter *fakeLimiter) (*Gateway, *[]time.Duration) {
	slept := &[]time.Duration{}
	g := &Gateway{
		client:      client,
		reuse:       reuse,
		cache:       cache,
		limiter:     limiter,
		maxRetries:  3,
		backoffBase: time.Second,
		backoffCap:  60 * time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		},
	}
	return g, slept
}

var _ = Describe("Gateway", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("recognizes, classifies success and writes the cache", func() {
		client := &fakeRecognizer{responses: [][]byte{[]byte(goodPayload)}}
		cache := newFakeCache()
		limiter := &fakeLimiter{}
		g, _ := newTestGateway(client, &fakeReuse{}, cache, limiter)

		res, err := g.Recognize(ctx, "abc", []byte("%PDF-1.4"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(OutcomeSuccess))
		Expect(res.Reused).To(BeFalse())
		Expect(res.Response.WordsResult["InvoiceNum"].First()).To(Equal("42"))
		Expect(limiter.waits).To(Equal(1))
		Expect(cache.lastPut).To(Equal("abc"))
		Expect(cache.lastBody).To(Equal([]byte(goodPayload)))
	})

	It("classifies a provider error code as failed", func() {
		client := &fakeRecognizer{responses: [][]byte{[]byte(`{"error_code": 216201, "error_msg": "image format error"}`)}}
		cache := newFakeCache()
		g, _ := newTestGateway(client, &fakeReuse{}, cache, &fakeLimiter{})

		res, err := g.Recognize(ctx, "abc", []byte("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(OutcomeFailed))
		Expect(res.ErrorCode).To(Equal(216201))
		Expect(res.ErrorMsg).To(Equal("image format error"))
		Expect(cache.puts).To(BeZero())
	})

	It("marks a content-free success payload failed with the synthetic code", func() {
		client := &fakeRecognizer{responses: [][]byte{[]byte(`{"words_result": {}}`)}}
		g, _ := newTestGateway(client, &fakeReuse{}, newFakeCache(), &fakeLimiter{})

		res, err := g.Recognize(ctx, "abc", []byte("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(OutcomeFailed))
		Expect(res.ErrorCode).To(Equal(codeEmptyResult))
	})

	It("retries the provider rate limit with growing backoff", func() {
		client := &fakeRecognizer{responses: [][]byte{
			[]byte(qpsPayload), []byte(qpsPayload), []byte(goodPayload),
		}}
		limiter := &fakeLimiter{}
		g, slept := newTestGateway(client, &fakeReuse{}, newFakeCache(), limiter)

		res, err := g.Recognize(ctx, "abc", []byte("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(OutcomeSuccess))
		Expect(client.calls).To(Equal(3))
		Expect(limiter.waits).To(Equal(3))
		Expect(*slept).To(Equal([]time.Duration{time.Second, 2 * time.Second}))
	})

	It("gives up on the rate limit after the retry budget", func() {
		client := &fakeRecognizer{responses: [][]byte{[]byte(qpsPayload)}}
		g, slept := newTestGateway(client, &fakeReuse{}, newFakeCache(), &fakeLimiter{})

		res, err := g.Recognize(ctx, "abc", []byte("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(OutcomeFailed))
		Expect(res.ErrorCode).To(Equal(codeQPSLimit))
		Expect(client.calls).To(Equal(4))
		Expect(*slept).To(HaveLen(3))
	})

	It("caps the backoff even when the shift would overflow", func() {
		client := &fakeRecognizer{responses: [][]byte{[]byte(qpsPayload)}}
		g, slept := newTestGateway(client, &fakeReuse{}, newFakeCache(), &fakeLimiter{})
		g.maxRetries = 70

		res, err := g.Recognize(ctx, "abc", []byte("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(OutcomeFailed))
		Expect(*slept).To(HaveLen(70))
		for _, d := range *slept {
			Expect(d).To(BeNumerically(">", 0))
			Expect(d).To(BeNumerically("<=", g.backoffCap))
		}
	})

	It("passes transport errors through untouched", func() {
		boom := errors.New("connection refused")
		client := &fakeRecognizer{err: boom}
		g, _ := newTestGateway(client, &fakeReuse{}, newFakeCache(), &fakeLimiter{})

		_, err := g.Recognize(ctx, "abc", []byte("x"))
		Expect(err).To(MatchError(boom))
	})

	It("fails fast when the limiter is cancelled", func() {
		g, _ := newTestGateway(&fakeRecognizer{}, &fakeReuse{}, newFakeCache(), &fakeLimiter{err: context.Canceled})
		_, err := g.Recognize(ctx, "abc", []byte("x"))
		Expect(err).To(MatchError(context.Canceled))
	})

	Describe("reuse", func() {
		It("prefers a prior document result and skips the provider", func() {
			client := &fakeRecognizer{}
			reuse := &fakeReuse{raw: []byte(goodPayload)}
			cache := newFakeCache()
			cache.entries["abc"] = []byte(`{"words_result": {"InvoiceNum": {"word": "other"}}}`)
			limiter := &fakeLimiter{}
			g, _ := newTestGateway(client, reuse, cache, limiter)

			res, err := g.Recognize(ctx, "abc", []byte("x"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reused).To(BeTrue())
			Expect(res.Response.WordsResult["InvoiceNum"].First()).To(Equal("42"))
			Expect(client.calls).To(BeZero())
			Expect(limiter.waits).To(BeZero())
		})

		It("falls back to the cache when no document matches", func() {
			client := &fakeRecognizer{}
			cache := newFakeCache()
			cache.entries["abc"] = []byte(goodPayload)
			g, _ := newTestGateway(client, &fakeReuse{}, cache, &fakeLimiter{})

			res, err := g.Recognize(ctx, "abc", []byte("x"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reused).To(BeTrue())
			Expect(client.calls).To(BeZero())
		})

		It("ignores a stored payload that no longer parses as success", func() {
			client := &fakeRecognizer{responses: [][]byte{[]byte(goodPayload)}}
			reuse := &fakeReuse{raw: []byte(`{"error_code": 18}`)}
			cache := newFakeCache()
			cache.entries["abc"] = []byte(`not json`)
			g, _ := newTestGateway(client, reuse, cache, &fakeLimiter{})

			res, err := g.Recognize(ctx, "abc", []byte("x"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Reused).To(BeFalse())
			Expect(client.calls).To(Equal(1))
		})

		It("treats reuse lookup errors as misses", func() {
			client := &fakeRecognizer{responses: [][]byte{[]byte(goodPayload)}}
			reuse := &fakeReuse{err: errors.New("db down")}
			cache := newFakeCache()
			cache.getErr = errors.New("db down")
			g, _ := newTestGateway(client, reuse, cache, &fakeLimiter{})

			res, err := g.Recognize(ctx, "abc", []byte("x"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(OutcomeSuccess))
			Expect(client.calls).To(Equal(1))
		})
	})

	It("still returns success when the cache write fails", func() {
		client := &fakeRecognizer{responses: [][]byte{[]byte(goodPayload)}}
		cache := newFakeCache()
		cache.putErr = errors.New("disk full")
		g, _ := newTestGateway(client, &fakeReuse{}, cache, &fakeLimiter{})

		res, err := g.Recognize(ctx, "abc", []byte("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(OutcomeSuccess))
		Expect(cache.puts).To(Equal(1))
	})
})
