// Command seed funds demo principals against a development vaultd that serves
// the in-process asset under /asset.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokenvault/vault/internal/asset"
	"github.com/tokenvault/vault/internal/vault"
)

func main() {
	baseURL := strings.TrimRight(getenv("VAULT_URL", "http://localhost:8080"), "/")
	custody := vault.Principal(getenv("VAULT_CUSTODY_ACCOUNT", "vault"))
	principals := strings.Split(getenv("SEED_PRINCIPALS", "alice,bob,carol"), ",")
	minted := vault.MustAmount(getenv("SEED_MINT", "1000000"))
	deposit := vault.MustAmount(getenv("SEED_DEPOSIT", "250000"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	httpClient := &http.Client{Timeout: 10 * time.Second}
	tokens := asset.NewClient(baseURL+"/asset", httpClient)

	for _, raw := range principals {
		principal := vault.Principal(strings.TrimSpace(raw))
		if !principal.Valid() {
			continue
		}
		fmt.Printf("→ Funding %s...\n", principal)
		if err := tokens.Mint(ctx, principal, minted); err != nil {
			log.Fatalf("mint %s: %v", principal, err)
		}
		if err := tokens.Approve(ctx, principal, custody, deposit); err != nil {
			log.Fatalf("approve %s: %v", principal, err)
		}
		fmt.Printf("→ Depositing %s for %s...\n", deposit, principal)
		if err := depositFor(ctx, httpClient, baseURL, principal, deposit); err != nil {
			log.Fatalf("deposit %s: %v", principal, err)
		}
	}
	fmt.Println("✓ Seed complete")
}

func depositFor(ctx context.Context, client *http.Client, baseURL string, principal vault.Principal, amount vault.Amount) error {
	body, err := json.Marshal(map[string]vault.Amount{"amount": amount})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/deposit", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Principal", string(principal))
	req.Header.Set("Idempotency-Key", uuid.NewString())
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
