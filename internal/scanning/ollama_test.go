package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/resibo/internal/invoice"
)

var _ = Describe("Ollama", func() {
	var (
		server    *ghttp.Server
		extractor *Ollama
		imageData []byte
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		extractor = NewOllama(server.URL(), "llava:1.6")

		var buf bytes.Buffer
		Expect(png.Encode(&buf, sampleImage())).To(Succeed())
		imageData = buf.Bytes()
	})

	AfterEach(func() {
		server.Close()
	})

	When("the model answers", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					var req ollamaChatRequest
					Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
					Expect(req.Model).To(Equal("llava:1.6"))
					Expect(req.Messages).To(HaveLen(2))
					Expect(req.Messages[1].Images).To(HaveLen(1))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: `{"vendor_name": "SM Supermarket", "total_amount": 560, "expense_category": "food"}`},
					Done:    true,
				}),
			))
		})

		It("returns the extracted record", func() {
			rec, err := extractor.ExtractInvoice(context.Background(), imageData, "image/png")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.VendorName).To(Equal("SM Supermarket"))
			Expect(rec.TotalAmount).To(Equal(560.0))
			Expect(rec.ExpenseCategory).To(Equal(invoice.CategoryFood))
			Expect(rec.Validation).NotTo(BeNil())
		})
	})

	When("the server fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("returns the status and body", func() {
			_, err := extractor.ExtractInvoice(context.Background(), imageData, "image/png")
			Expect(err).To(MatchError(ContainSubstring("status 500")))
			Expect(err).To(MatchError(ContainSubstring("model not loaded")))
		})
	})

	When("the image cannot be decoded", func() {
		It("does not call the server", func() {
			_, err := extractor.ExtractInvoice(context.Background(), []byte("junk"), "image/jpeg")
			Expect(err).To(HaveOccurred())
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})
	})
})
