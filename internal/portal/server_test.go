package portal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"regexp"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/resibo/internal/action"
	"github.com/zombor/resibo/internal/invoice"
	"github.com/zombor/resibo/internal/review"
)

// mockActions records remote calls and answers with canned results
type mockActions struct {
	mu            sync.Mutex
	commitResult  action.Result
	discardResult action.Result
	commits       []string
	discards      []string
}

func (m *mockActions) Commit(_ context.Context, pendingID string, _ invoice.Record, _ string) action.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits = append(m.commits, pendingID)
	return m.commitResult
}

func (m *mockActions) Discard(_ context.Context, pendingID, _, _ string) action.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discards = append(m.discards, pendingID)
	return m.discardResult
}

// viewResponse mirrors the JSON of a session view
type viewResponse struct {
	ID     string         `json:"id"`
	State  string         `json:"state"`
	Record invoice.Record `json:"record"`
	Status string         `json:"status"`
	Money  map[string]struct {
		Mode string `json:"mode"`
		Text string `json:"text"`
	} `json:"money"`
	DateInput   string            `json:"date_input"`
	Focus       string            `json:"focus"`
	Error       string            `json:"error"`
	Warnings    map[string]string `json:"warnings"`
	Zoomed      bool              `json:"zoomed"`
	ImageFailed bool              `json:"image_failed"`
}

type listResponse struct {
	Invoices []viewResponse `json:"invoices"`
	Loading  bool           `json:"loading"`
	Loaded   bool           `json:"loaded"`
	Error    string         `json:"error"`
}

var _ = Describe("Server", func() {
	var (
		store       *mockStore
		storage     *mockStorage
		extractor   *mockExtractor
		actions     *mockActions
		metrics     *Metrics
		collection  *review.Collection
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
		t0          time.Time
	)

	seed := func(id string, created time.Time, data string) {
		store.records[id] = &invoice.RawRecord{
			ID:                   id,
			UserID:               "user-1",
			CreatedAt:            created,
			ExtractedData:        json.RawMessage(data),
			AwaitingConfirmation: true,
		}
	}

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		service := NewServiceWithDeps(store, extractor, storage, fixedIDGenerator{id: "inv-new"}, fixedTimeSource{now: t0.Add(24 * time.Hour)})
		collection = review.NewCollection(review.User{ID: "user-1", Token: "token-1"}, store,
			metrics.InstrumentActions(actions), review.WithRefreshObserver(metrics), review.WithResolver(service))
		server = NewServerWithMux(collection, service, metrics, auth, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	}

	do := func(method, path string, body io.Reader) (*http.Response, []byte) {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp, data
	}

	decodeView := func(data []byte) viewResponse {
		var v viewResponse
		Expect(json.Unmarshal(data, &v)).To(Succeed())
		return v
	}

	list := func() listResponse {
		resp, data := do(http.MethodGet, "/api/invoices", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var l listResponse
		Expect(json.Unmarshal(data, &l)).To(Succeed())
		return l
	}

	ids := func(l listResponse) []string {
		out := []string{}
		for _, v := range l.Invoices {
			out = append(out, v.ID)
		}
		return out
	}

	BeforeEach(func() {
		t0 = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
		store = newMockStore()
		storage = newMockStorage()
		extractor = newMockExtractor()
		actions = &mockActions{
			commitResult:  action.Result{Success: true, StatusCode: http.StatusOK},
			discardResult: action.Result{Success: true, StatusCode: http.StatusOK},
		}
		metrics = NewMetrics()
		auth = BasicAuth{}

		seed("a", t0, `"{\"vendor_name\":\"ABC Corp\",\"total_amount\":\"1500.5\"}"`)
		seed("b", t0.Add(time.Hour), `{"vendor":"Old Vendor","vatable_sales":1000,"validation_result":{"overall":"FAIL","issues":["bad TIN"]}}`)
		seed("c", t0.Add(2*time.Hour), `null`)
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("GET /api/invoices", func() {
		It("loads the list on first use, newest first", func() {
			l := list()
			Expect(l.Loaded).To(BeTrue())
			Expect(ids(l)).To(Equal([]string{"c", "b", "a"}))
		})

		It("normalizes every record", func() {
			l := list()
			Expect(l.Invoices[2].Record.VendorName).To(Equal("ABC Corp"))
			Expect(l.Invoices[2].Record.TotalAmount).To(Equal(1500.5))
			Expect(l.Invoices[2].Record.ExpenseCategory).To(Equal(invoice.CategoryOthers))
			Expect(l.Invoices[2].Money["total_amount"].Text).To(Equal("₱1,500.50"))

			Expect(l.Invoices[1].Record.VendorName).To(Equal("Old Vendor"))
			Expect(l.Invoices[1].Status).To(Equal("FAIL"))

			Expect(l.Invoices[0].Record.VendorName).To(BeEmpty())
			Expect(l.Invoices[0].Status).To(Equal("WARN"))
		})

		It("does not refetch once loaded", func() {
			list()
			seed("d", t0.Add(3*time.Hour), `{}`)
			Expect(ids(list())).To(Equal([]string{"c", "b", "a"}))
		})

		It("sets Content-Type to application/json", func() {
			resp, _ := do(http.MethodGet, "/api/invoices", nil)
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
		})

		When("the store fails", func() {
			BeforeEach(func() {
				store.listErr = errors.New("connection refused")
			})

			It("returns an empty, not loaded list with the error", func() {
				l := list()
				Expect(l.Invoices).To(BeEmpty())
				Expect(l.Loaded).To(BeFalse())
				Expect(l.Error).To(Equal("connection refused"))
			})
		})
	})

	Describe("POST /api/invoices/refresh", func() {
		BeforeEach(func() {
			list()
		})

		It("picks up new records", func() {
			seed("d", t0.Add(3*time.Hour), `{}`)
			resp, data := do(http.MethodPost, "/api/invoices/refresh", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var l listResponse
			Expect(json.Unmarshal(data, &l)).To(Succeed())
			Expect(ids(l)).To(Equal([]string{"d", "c", "b", "a"}))
		})

		It("keeps the list when the store fails", func() {
			store.listErr = errors.New("timeout")
			_, data := do(http.MethodPost, "/api/invoices/refresh", nil)
			var l listResponse
			Expect(json.Unmarshal(data, &l)).To(Succeed())
			Expect(ids(l)).To(Equal([]string{"c", "b", "a"}))
			Expect(l.Error).To(Equal("timeout"))
		})
	})

	Describe("invoice routes", func() {
		BeforeEach(func() {
			list()
		})

		It("returns a single view", func() {
			resp, data := do(http.MethodGet, "/api/invoices/a", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			v := decodeView(data)
			Expect(v.ID).To(Equal("a"))
			Expect(v.State).To(Equal("idle"))
		})

		It("returns 404 for unknown invoices", func() {
			resp, _ := do(http.MethodGet, "/api/invoices/zzz", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		Describe("PUT /api/invoices/{id}/fields/{name}", func() {
			It("edits a text field", func() {
				resp, data := do(http.MethodPut, "/api/invoices/a/fields/city", bytes.NewBufferString(`{"value":"Makati"}`))
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(decodeView(data).Record.City).To(Equal("Makati"))
			})

			It("edits a date from the edit format", func() {
				_, data := do(http.MethodPut, "/api/invoices/a/fields/date", bytes.NewBufferString(`{"value":"2024-03-09"}`))
				v := decodeView(data)
				Expect(v.Record.Date).To(Equal("03/09/2024"))
				Expect(v.DateInput).To(Equal("2024-03-09"))
			})

			It("parses money text", func() {
				_, data := do(http.MethodPut, "/api/invoices/a/fields/vat_amount", bytes.NewBufferString(`{"value":"₱1,234.50"}`))
				Expect(decodeView(data).Record.VATAmount).To(Equal(1234.5))
			})

			It("rejects read-only fields", func() {
				resp, _ := do(http.MethodPut, "/api/invoices/a/fields/transaction_id", bytes.NewBufferString(`{"value":"TX"}`))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("rejects unknown enum values", func() {
				resp, _ := do(http.MethodPut, "/api/invoices/a/fields/expense_category", bytes.NewBufferString(`{"value":"LUXURY"}`))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("rejects a body without a value", func() {
				resp, _ := do(http.MethodPut, "/api/invoices/a/fields/city", bytes.NewBufferString(`{}`))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		Describe("currency focus protocol", func() {
			It("edits the raw buffer while focused and formats on blur", func() {
				_, data := do(http.MethodPost, "/api/invoices/a/fields/total_amount/focus", nil)
				v := decodeView(data)
				Expect(v.Focus).To(Equal("total_amount"))
				Expect(v.Money["total_amount"].Mode).To(Equal("editing"))
				Expect(v.Money["total_amount"].Text).To(Equal("1500.50"))

				_, data = do(http.MethodPut, "/api/invoices/a/fields/total_amount", bytes.NewBufferString(`{"value":"2000"}`))
				v = decodeView(data)
				Expect(v.Money["total_amount"].Text).To(Equal("2000"))
				Expect(v.Record.TotalAmount).To(Equal(1500.5))

				_, data = do(http.MethodPost, "/api/invoices/a/fields/total_amount/blur", nil)
				v = decodeView(data)
				Expect(v.Record.TotalAmount).To(Equal(2000.0))
				Expect(v.Money["total_amount"].Mode).To(Equal("display"))
				Expect(v.Money["total_amount"].Text).To(Equal("₱2,000.00"))
			})

			It("conflicts when blurring an unfocused field", func() {
				resp, _ := do(http.MethodPost, "/api/invoices/a/fields/total_amount/blur", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			})
		})

		Describe("POST /api/invoices/{id}/commit", func() {
			It("commits and removes the invoice", func() {
				resp, data := do(http.MethodPost, "/api/invoices/b/commit", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(decodeView(data).State).To(Equal("removed"))
				Expect(actions.commits).To(Equal([]string{"b"}))
				Expect(ids(list())).To(Equal([]string{"c", "a"}))
			})

			It("resolves the invoice so a refresh does not bring it back", func() {
				list()
				do(http.MethodPost, "/api/invoices/b/commit", nil)
				Expect(store.records["b"].AwaitingConfirmation).To(BeFalse())

				resp, _ := do(http.MethodPost, "/api/invoices/refresh", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(ids(list())).To(Equal([]string{"c", "a"}))
			})

			When("the executor refuses", func() {
				BeforeEach(func() {
					actions.commitResult = action.Result{Error: "Sheet is locked", StatusCode: http.StatusOK}
				})

				It("returns the view with the error and keeps the invoice", func() {
					resp, data := do(http.MethodPost, "/api/invoices/b/commit", nil)
					Expect(resp.StatusCode).To(Equal(http.StatusOK))
					v := decodeView(data)
					Expect(v.State).To(Equal("idle"))
					Expect(v.Error).To(Equal("Save failed: Sheet is locked"))
					Expect(ids(list())).To(Equal([]string{"c", "b", "a"}))
				})
			})
		})

		Describe("discard protocol", func() {
			It("requires confirmation", func() {
				resp, _ := do(http.MethodPost, "/api/invoices/a/discard/confirm", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
				Expect(actions.discards).To(BeEmpty())
			})

			It("discards after confirmation", func() {
				_, data := do(http.MethodPost, "/api/invoices/a/discard", nil)
				Expect(decodeView(data).State).To(Equal("confirming_discard"))

				resp, _ := do(http.MethodPut, "/api/invoices/a/fields/city", bytes.NewBufferString(`{"value":"x"}`))
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))

				_, data = do(http.MethodPost, "/api/invoices/a/discard/confirm", nil)
				Expect(decodeView(data).State).To(Equal("removed"))
				Expect(actions.discards).To(Equal([]string{"a"}))
				Expect(ids(list())).To(Equal([]string{"c", "b"}))
			})

			It("can be cancelled", func() {
				do(http.MethodPost, "/api/invoices/a/discard", nil)
				_, data := do(http.MethodPost, "/api/invoices/a/discard/cancel", nil)
				Expect(decodeView(data).State).To(Equal("idle"))
			})
		})

		Describe("panel flags", func() {
			It("opens and closes the zoom panel", func() {
				_, data := do(http.MethodPost, "/api/invoices/a/zoom", nil)
				Expect(decodeView(data).Zoomed).To(BeTrue())
				_, data = do(http.MethodDelete, "/api/invoices/a/zoom", nil)
				Expect(decodeView(data).Zoomed).To(BeFalse())
			})

			It("records an image failure", func() {
				_, data := do(http.MethodPost, "/api/invoices/a/image-failed", nil)
				Expect(decodeView(data).ImageFailed).To(BeTrue())
			})
		})

		Describe("GET /api/invoices/{id}/preview", func() {
			It("returns 404 when no media is stored", func() {
				resp, _ := do(http.MethodGet, "/api/invoices/a/preview", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("GET /api/invoices/{id}/preview", func() {
		BeforeEach(func() {
			store.records["m"] = &invoice.RawRecord{
				ID: "m", UserID: "user-1", CreatedAt: t0, AwaitingConfirmation: true,
				Filename: "m.png", ContentType: "image/png",
			}
			store.records["broken"] = &invoice.RawRecord{
				ID: "broken", UserID: "user-1", CreatedAt: t0, AwaitingConfirmation: true,
				Filename: "broken.jpg", ContentType: "image/jpeg",
			}
			storage.files["m.png"] = pngBytes()
			storage.files["broken.jpg"] = []byte("junk")
			list()
		})

		It("serves the media as PNG", func() {
			resp, data := do(http.MethodGet, "/api/invoices/m/preview", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			Expect(data).To(Equal(storage.files["m.png"]))
		})

		It("answers 502 when the media cannot be rendered", func() {
			resp, _ := do(http.MethodGet, "/api/invoices/broken/preview", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
		})
	})

	Describe("POST /api/invoices", func() {
		upload := func(filename, contentType string, data []byte) *http.Response {
			var body bytes.Buffer
			writer := multipart.NewWriter(&body)
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
			if contentType != "" {
				h.Set("Content-Type", contentType)
			}
			part, err := writer.CreatePart(h)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(writer.Close()).To(Succeed())

			req, err := http.NewRequest(http.MethodPost, ghttpServer.URL()+"/api/invoices", &body)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", writer.FormDataContentType())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			return resp
		}

		It("takes the invoice in and lists it", func() {
			resp := upload("scan.pdf", "", []byte("%PDF-1.4"))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(store.records).To(HaveKey("inv-new"))
			Expect(store.records["inv-new"].ContentType).To(Equal("application/pdf"))

			l := list()
			Expect(l.Invoices[0].ID).To(Equal("inv-new"))
			Expect(l.Invoices[0].Record.VendorName).To(Equal("Mercury Drug"))
		})

		It("keeps unsaved edits on the other invoices", func() {
			list()
			resp, _ := do(http.MethodPut, "/api/invoices/a/fields/vendor_name", bytes.NewBufferString(`{"value":"Corrected Vendor"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp, _ = do(http.MethodPost, "/api/invoices/b/discard", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			Expect(upload("scan.jpg", "image/jpeg", []byte("x")).StatusCode).To(Equal(http.StatusCreated))

			l := list()
			Expect(ids(l)).To(Equal([]string{"inv-new", "c", "b", "a"}))
			Expect(l.Invoices[3].Record.VendorName).To(Equal("Corrected Vendor"))
			Expect(l.Invoices[2].State).To(Equal("confirming_discard"))
		})

		It("answers 422 when extraction fails", func() {
			extractor.err = errors.New("unreadable")
			resp := upload("scan.jpg", "image/jpeg", []byte("x"))
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		})

		It("answers 400 without a file", func() {
			resp, _ := do(http.MethodPost, "/api/invoices", bytes.NewBufferString(`{}`))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
			setupServer()
		})

		It("rejects requests without credentials", func() {
			resp, _ := do(http.MethodGet, "/api/invoices", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("rejects wrong credentials", func() {
			req, _ := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/invoices", nil)
			req.SetBasicAuth("admin", "wrong")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("accepts valid credentials", func() {
			req, _ := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/invoices", nil)
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("answers preflight requests without credentials", func() {
			resp, _ := do(http.MethodOptions, "/api/invoices", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})
	})

	Describe("GET /metrics", func() {
		It("exposes action and refresh metrics", func() {
			list()
			do(http.MethodPost, "/api/invoices/a/commit", nil)

			resp, data := do(http.MethodGet, "/metrics", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(data)).To(ContainSubstring(`resibo_action_requests_total{action="commit",outcome="success"} 1`))
			Expect(string(data)).To(ContainSubstring(`resibo_pending_refresh_total{outcome="ok"} 1`))
			Expect(string(data)).To(ContainSubstring(`resibo_pending_invoices 3`))
			Expect(string(data)).To(ContainSubstring(`path="/api/invoices/{id}/commit"`))
		})

		It("labels requests by route pattern only", func() {
			list()
			do(http.MethodPut, "/api/invoices/a/fields/city", bytes.NewBufferString(`{"value":"Makati"}`))
			do(http.MethodPut, "/api/invoices/a/fields/made-up-1", bytes.NewBufferString(`{"value":"x"}`))
			do(http.MethodGet, "/wp-admin/setup.php", nil)
			do(http.MethodGet, "/api/invoices/a/nothing-here", nil)

			_, data := do(http.MethodGet, "/metrics", nil)
			text := string(data)
			Expect(text).To(ContainSubstring(`path="/api/invoices/{id}/fields/{name}"`))
			Expect(text).To(ContainSubstring(`path="unmatched"`))
			Expect(text).NotTo(ContainSubstring("made-up-1"))
			Expect(text).NotTo(ContainSubstring("wp-admin"))
			Expect(text).NotTo(ContainSubstring("nothing-here"))
		})

		It("labels unknown request methods as OTHER", func() {
			req := httptest.NewRequest("PROPFIND", "/api/invoices", nil)
			method, path := routeLabels(req)
			Expect(method).To(Equal("OTHER"))
			Expect(path).To(Equal("unmatched"))
		})
	})
})
