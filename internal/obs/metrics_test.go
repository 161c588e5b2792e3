package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/wallets/wal_abc":               "/v1/wallets/:id",
		"/v1/wallets/wal_abc/balance":       "/v1/wallets/:id/balance",
		"/v1/wallets/wal_abc/deposit":       "/v1/wallets/:id/deposit",
		"/v1/wallets/wal_abc/withdraw":      "/v1/wallets/:id/withdraw",
		"/v1/wallets/wal_abc/consume":       "/v1/wallets/:id/consume",
		"/v1/wallets/wal_abc/transactions":  "/v1/wallets/:id/transactions",
		"/v1/wallets/wal_abc/extra":         "/v1/wallets/wal_abc/extra",
		"/v1/transactions":                  "/v1/transactions",
		"/v1/transactions?limit=10":         "/v1/transactions",
		"/v1/transfers":                     "/v1/transfers",
		"/v1/wallets/wal_abc?currency=USDT": "/v1/wallets/:id",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
