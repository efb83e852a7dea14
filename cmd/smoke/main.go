// Command smoke runs an end-to-end check against a running yuhak-api:
// health, agency account creation, lookup and password reset. It needs a
// master bearer token and leaves the accounts it creates behind, so point it
// at a staging environment.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("YUHAK_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	token := os.Getenv("YUHAK_MASTER_TOKEN")
	if token == "" {
		log.Fatal("YUHAK_MASTER_TOKEN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := &http.Client{Timeout: 10 * time.Second}

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := call(ctx, client, base, "", http.MethodGet, "/healthz", nil, &health); err != nil {
		log.Fatalf("healthz: %v", err)
	}
	if health.Status != "ok" {
		log.Fatalf("healthz reported %q", health.Status)
	}

	nonce := rand.Int63()
	email := fmt.Sprintf("smoke-%d@example.com", nonce)

	var created struct {
		UserID string `json:"user_id"`
	}
	err := call(ctx, client, base, token, http.MethodPost, "/add-agency-account", map[string]any{
		"email":       email,
		"password":    fmt.Sprintf("smoke-pass-%d", nonce),
		"agency_code": fmt.Sprintf("SMK%02d", nonce%100),
	}, &created)
	if err != nil {
		log.Fatalf("add-agency-account: %v", err)
	}
	if created.UserID == "" {
		log.Fatal("add-agency-account returned no user_id")
	}

	var emails map[string]string
	if err := call(ctx, client, base, token, http.MethodGet, "/agency-accounts?user_ids="+created.UserID, nil, &emails); err != nil {
		log.Fatalf("agency-accounts: %v", err)
	}
	if emails[created.UserID] != email {
		log.Fatalf("lookup mismatch: got %q want %q", emails[created.UserID], email)
	}

	var reset struct {
		Success bool `json:"success"`
	}
	err = call(ctx, client, base, token, http.MethodPost, "/reset-agency-password", map[string]any{
		"user_id":      created.UserID,
		"new_password": fmt.Sprintf("smoke-reset-%d", nonce),
	}, &reset)
	if err != nil {
		log.Fatalf("reset-agency-password: %v", err)
	}
	if !reset.Success {
		log.Fatal("reset-agency-password did not report success")
	}

	fmt.Printf("SMOKE OK: api %s, account %s created, looked up and reset\n", health.Version, created.UserID)
}

func call(ctx context.Context, client *http.Client, base, token, method, path string, body any, out any) error {
	var buf *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewBuffer(raw)
	} else {
		buf = &bytes.Buffer{}
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var remote struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&remote)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, remote.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
