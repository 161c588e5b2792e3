// Command smoke-wallet runs an end-to-end check against a running API:
// it creates two wallets, moves money between them and verifies that the
// total is conserved.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

type walletPayload struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
}

type balancePayload struct {
	WalletID string `json:"wallet_id"`
	Balance  string `json:"balance"`
}

func main() {
	base := os.Getenv("WALLETCORE_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	run := rand.New(rand.NewSource(time.Now().UnixNano())).Int()

	walA := createWallet(client, base, fmt.Sprintf("smoke-a-%d", run), "1000")
	walB := createWallet(client, base, fmt.Sprintf("smoke-b-%d", run), "0")

	post(client, base+"/v1/transfers", map[string]any{
		"from_wallet_id":  walA.ID,
		"to_wallet_id":    walB.ID,
		"amount":          "420",
		"idempotency_key": fmt.Sprintf("smoke-%d", run),
	}, &struct{}{})

	balA := getBalance(client, base, walA.ID)
	balB := getBalance(client, base, walB.ID)

	if balA != "580.00000000" || balB != "420.00000000" {
		log.Fatalf("unexpected balances: A=%s B=%s", balA, balB)
	}

	fmt.Printf("✅ walletcore smoke test passed: wallets=%s,%s\n", walA.ID, walB.ID)
}

func createWallet(client *http.Client, base, owner, initial string) walletPayload {
	var wal walletPayload
	post(client, base+"/v1/wallets", map[string]any{
		"owner_id":        owner,
		"type":            "FIAT",
		"currency":        "USD",
		"initial_balance": initial,
	}, &wal)
	if wal.ID == "" {
		log.Fatalf("create wallet for %s: empty id", owner)
	}
	return wal
}

func getBalance(client *http.Client, base, walletID string) string {
	resp, err := client.Get(base + "/v1/wallets/" + walletID + "/balance")
	if err != nil {
		log.Fatalf("get balance %s: %v", walletID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Fatalf("get balance %s: status %d: %s", walletID, resp.StatusCode, body)
	}
	var bal balancePayload
	if err := json.NewDecoder(resp.Body).Decode(&bal); err != nil {
		log.Fatalf("decode balance %s: %v", walletID, err)
	}
	return bal.Balance
}

func post(client *http.Client, url string, payload map[string]any, into any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Fatalf("marshal %s: %v", url, err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		log.Fatalf("post %s: status %d: %s", url, resp.StatusCode, raw)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil && err != io.EOF {
		log.Fatalf("decode %s: %v", url, err)
	}
}
