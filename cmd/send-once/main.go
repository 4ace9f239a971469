// send-once triggers one daily batch over HTTP. It is meant to run from
// cron or a scheduler: jitter the start, call /send-daily, and exit 0 on
// anything that should not wake anyone up.
package main

import (
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	baseURL := envOr("API_BASE_URL", "http://localhost:3000")
	token := os.Getenv("BATCH_TOKEN")

	if maxMs := envInt("SEND_JITTER_MAX_MS", 0); maxMs > 0 {
		jitter := time.Duration(rand.Intn(maxMs)) * time.Millisecond
		log.Printf("[send-once] jitter sleep %s", jitter)
		time.Sleep(jitter)
	}

	// a paced batch holds the request open for its whole duration
	client := &http.Client{Timeout: 45 * time.Minute}

	status, body, err := trigger(client, baseURL, token)
	if err != nil || status >= 500 {
		log.Printf("[send-once] first attempt failed (status=%d err=%v), retrying once", status, err)
		time.Sleep(30 * time.Second)
		status, body, err = trigger(client, baseURL, token)
	}
	if err != nil {
		log.Fatalf("[send-once] trigger failed: %v", err)
	}

	switch {
	case status == http.StatusTooManyRequests:
		// the batch is rate-limited today; the scheduler will come back tomorrow
		log.Printf("[send-once] rate limited, treating as done")
	case status >= 400:
		log.Printf("[send-once] batch failed: status=%d body=%s", status, body)
		os.Exit(1)
	default:
		log.Printf("[send-once] batch done: %s", body)
	}
}

func trigger(client *http.Client, baseURL, token string) (int, string, error) {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/send-daily", nil)
	if err != nil {
		return 0, "", err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, string(body), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[send-once] bad %s=%q: %v", key, v, err)
		return fallback
	}
	return n
}
