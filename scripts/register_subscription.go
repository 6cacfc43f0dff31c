package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"webhook-pipeline/internal/ingest"

	"github.com/joho/godotenv"
)

const (
	ngrokAPIURL = "http://127.0.0.1:4040/api/tunnels"

	maxRetries    = 3
	retryInterval = 2 * time.Second
)

type NgrokTunnels struct {
	Tunnels []struct {
		PublicURL string `json:"public_url"`
	} `json:"tunnels"`
}

type SubscriptionRequest struct {
	WebhookURL string   `json:"webhook_url,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	Secret     string   `json:"secret,omitempty"`
	Active     *bool    `json:"active,omitempty"`
}

type Client struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	http         *http.Client
}

func (c *Client) makeRequest(method, endpoint string, body []byte, headers map[string]string) (*http.Response, error) {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			log.Printf("Retrying request (attempt %d/%d)", i+1, maxRetries)
			time.Sleep(retryInterval)
		}

		req, err := http.NewRequest(method, c.BaseURL+endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		// Only retry on 5xx errors
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %s", resp.Status)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("request failed after %d attempts: %v", maxRetries, lastErr)
}

func (c *Client) register(companyID string, sub SubscriptionRequest) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("error marshaling subscription: %v", err)
	}

	resp, err := c.makeRequest(http.MethodPut, "/api/v1/subscriptions/"+companyID, body,
		map[string]string{c.APIKeyHeader: c.APIKey})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to register subscription: status=%s body=%s", resp.Status, respBody)
	}
	log.Printf("Subscription saved: %s", respBody)
	return nil
}

// sendTestEvent delivers a signed sample event so the whole pipeline can be
// checked end to end.
func (c *Client) sendTestEvent(companyID, secret, eventType string) error {
	payload := map[string]any{
		"event_id":   fmt.Sprintf("test_%d", time.Now().UnixNano()),
		"event_type": eventType,
		"company_id": companyID,
		"job": map[string]any{
			"id":           "job_test",
			"service_type": "emergency_plumbing",
			"amount":       750,
			"customer":     map[string]any{"id": "cus_test", "first_name": "Test", "last_name": "Customer"},
			"address":      map[string]any{"city": "Austin", "state": "TX", "zip": "78701"},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := c.makeRequest(http.MethodPost, "/webhook", body, map[string]string{
		"X-Webhook-Signature":  "sha256=" + ingest.Sign(secret, body),
		"X-Webhook-Company-Id": companyID,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	log.Printf("Test delivery: status=%s body=%s", resp.Status, respBody)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("test delivery rejected: %s", resp.Status)
	}
	return nil
}

func getNgrokURL() (string, error) {
	resp, err := http.Get(ngrokAPIURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var tunnels NgrokTunnels
	if err := json.NewDecoder(resp.Body).Decode(&tunnels); err != nil {
		return "", err
	}
	if len(tunnels.Tunnels) == 0 {
		return "", fmt.Errorf("no ngrok tunnels found")
	}
	return tunnels.Tunnels[0].PublicURL, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	for _, envFile := range []string{".env.development", ".env"} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	baseURL := flag.String("base-url", getenv("PIPELINE_BASE_URL", "http://localhost:8080"), "pipeline API base URL")
	companyID := flag.String("company", os.Getenv("COMPANY_ID"), "company id to register")
	secret := flag.String("secret", os.Getenv("WEBHOOK_SECRET"), "signing secret (required for new companies)")
	eventTypes := flag.String("events", "", "comma separated event types; empty subscribes to all")
	useNgrok := flag.Bool("ngrok", false, "record the local ngrok tunnel as the webhook url")
	testEvent := flag.String("test-event", "", "send a signed sample event of this type after registering")
	flag.Parse()

	if *companyID == "" {
		log.Fatal("company id is required (-company or COMPANY_ID)")
	}
	apiKey := os.Getenv("ADMIN_API_KEY")
	if apiKey == "" {
		log.Fatal("ADMIN_API_KEY is not set")
	}

	client := &Client{
		BaseURL:      strings.TrimRight(*baseURL, "/"),
		APIKey:       apiKey,
		APIKeyHeader: getenv("API_KEY_HEADER", "X-API-Key"),
		http:         &http.Client{Timeout: 10 * time.Second},
	}

	sub := SubscriptionRequest{Secret: *secret}
	if *eventTypes != "" {
		sub.EventTypes = strings.Split(*eventTypes, ",")
	}
	if *useNgrok {
		log.Println("Fetching ngrok public URL...")
		ngrokURL, err := getNgrokURL()
		if err != nil {
			log.Fatalf("Error getting ngrok URL: %v", err)
		}
		sub.WebhookURL = ngrokURL + "/webhook"
		log.Printf("Webhook URL: %s", sub.WebhookURL)
	}

	if err := client.register(*companyID, sub); err != nil {
		log.Fatalf("Error registering subscription: %v", err)
	}

	if *testEvent != "" {
		if *secret == "" {
			log.Fatal("-secret is required to sign a test event")
		}
		if err := client.sendTestEvent(*companyID, *secret, *testEvent); err != nil {
			log.Fatalf("Error sending test event: %v", err)
		}
	}
}
