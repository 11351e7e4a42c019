package ocr

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/viper"
)

var _ = Describe("Client", func() {
	var (
		tokenCalls atomic.Int32
		lastPDF    atomic.Value
		server     *httptest.Server
		client     *Client
	)

	BeforeEach(func() {
		tokenCalls.Store(0)
		mux := http.NewServeMux()
		mux.HandleFunc("/oauth/2.0/token", func(w http.ResponseWriter, r *http.Request) {
			tokenCalls.Add(1)
			Expect(r.URL.Query().Get("grant_type")).To(Equal("client_credentials"))
			Expect(r.URL.Query().Get("client_id")).To(Equal("key"))
			Expect(r.URL.Query().Get("client_secret")).To(Equal("secret"))
			fmt.Fprint(w, `{"access_token": "tok-1", "expires_in": 2592000}`)
		})
		mux.HandleFunc("/rest/2.0/ocr/v1/vat_invoice", func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Query().Get("access_token")).To(Equal("tok-1"))
			Expect(r.ParseForm()).To(Succeed())
			lastPDF.Store(r.PostFormValue("pdf_file"))
			fmt.Fprint(w, `{"words_result_num": 1, "words_result": {"InvoiceNum": {"word": "77"}}}`)
		})
		server = httptest.NewServer(mux)

		viper.Set("ocr.api_url", server.URL)
		viper.Set("ocr.api_key", "key")
		viper.Set("ocr.secret_key", "secret")
		client = NewClient()
	})

	AfterEach(func() {
		server.Close()
		viper.Set("ocr.api_url", "")
		viper.Set("ocr.api_key", "")
		viper.Set("ocr.secret_key", "")
	})

	It("fetches a token once and posts the document as base64", func() {
		content := []byte("%PDF-1.4 body")

		parsed, raw, err := client.Recognize(context.Background(), content)
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed.WordsResult["InvoiceNum"].First()).To(Equal("77"))
		Expect(string(raw)).To(ContainSubstring(`"InvoiceNum"`))
		Expect(lastPDF.Load()).To(Equal(base64.StdEncoding.EncodeToString(content)))

		_, _, err = client.Recognize(context.Background(), content)
		Expect(err).NotTo(HaveOccurred())
		Expect(tokenCalls.Load()).To(Equal(int32(1)))
	})

	It("treats a non-2xx recognition response as a transport error", func() {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/oauth/2.0/token" {
				fmt.Fprint(w, `{"access_token": "tok-1"}`)
				return
			}
			http.Error(w, "backend down", http.StatusBadGateway)
		}))
		defer failing.Close()

		viper.Set("ocr.api_url", failing.URL)
		_, _, err := NewClient().Recognize(context.Background(), []byte("x"))
		Expect(err).To(MatchError(ContainSubstring("unexpected status 502")))
	})

	It("fails when the provider returns no token", func() {
		empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{}`)
		}))
		defer empty.Close()

		viper.Set("ocr.api_url", empty.URL)
		_, _, err := NewClient().Recognize(context.Background(), []byte("x"))
		Expect(err).To(MatchError(ContainSubstring("empty access token")))
	})
})
