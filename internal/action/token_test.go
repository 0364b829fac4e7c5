package action

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("RefreshingToken", func() {
	var (
		server *ghttp.Server
		source *RefreshingToken
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		source = NewRefreshingToken(server.URL()+"/auth/v1/token", "anon-key", "refresh-1", nil)
	})

	AfterEach(func() {
		server.Close()
	})

	When("the auth server rotates the refresh token", func() {
		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPost, "/auth/v1/token"),
					ghttp.VerifyHeaderKV("apikey", "anon-key"),
					ghttp.VerifyJSON(`{"refresh_token":"refresh-1"}`),
					ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]string{
						"access_token":  "access-1",
						"refresh_token": "refresh-2",
					}),
				),
				ghttp.CombineHandlers(
					ghttp.VerifyJSON(`{"refresh_token":"refresh-2"}`),
					ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]string{
						"access_token": "access-2",
					}),
				),
			)
		})

		It("returns fresh access tokens and uses the rotated refresh token", func() {
			tok, err := source.Token(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(tok).To(Equal("access-1"))

			tok, err = source.Token(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(tok).To(Equal("access-2"))
		})
	})

	When("the auth server refuses", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusUnauthorized, "expired"))
		})

		It("returns an error", func() {
			_, err := source.Token(context.Background())
			Expect(err).To(MatchError(ContainSubstring("status 401")))
		})
	})

	When("no access token comes back", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]string{}))
		})

		It("returns an error", func() {
			_, err := source.Token(context.Background())
			Expect(err).To(MatchError("auth server returned no access token"))
		})
	})
})

var _ = Describe("StaticToken", func() {
	It("returns itself", func() {
		tok, err := StaticToken("abc").Token(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(tok).To(Equal("abc"))
	})
})
