package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// Places an outbound call through the bridge API.
//
// Usage: make-call <number>
// Env:   API_URL (default http://localhost:8080), API_TOKEN (bearer token from issue-token)
func main() {
	baseURL := "http://localhost:8080"
	if url := os.Getenv("API_URL"); url != "" {
		baseURL = url
	}

	token := os.Getenv("API_TOKEN")
	if token == "" {
		log.Fatal("API_TOKEN is required (use cmd/issue-token to mint one)")
	}

	if len(os.Args) < 2 {
		log.Fatal("usage: make-call <number>")
	}

	targetNumber := strings.ReplaceAll(os.Args[1], " ", "")
	if !strings.HasPrefix(targetNumber, "+") {
		if strings.HasPrefix(targetNumber, "91") {
			targetNumber = "+" + targetNumber
		} else if strings.HasPrefix(targetNumber, "0") {
			targetNumber = "+91" + targetNumber[1:]
		} else {
			targetNumber = "+91" + targetNumber
		}
	}

	fmt.Println("========================================")
	fmt.Printf("Making call to %s\n", targetNumber)
	fmt.Println("========================================")
	fmt.Println()

	payload, err := json.Marshal(map[string]string{"to": targetNumber})
	if err != nil {
		log.Fatalf("Failed to marshal request: %v", err)
	}

	req, err := http.NewRequest("POST", baseURL+"/api/calls", bytes.NewBuffer(payload))
	if err != nil {
		log.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", fmt.Sprintf("make-call-%d", time.Now().UnixNano()))

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("Failed to place call: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		log.Fatalf("Call request failed (%d): %s", resp.StatusCode, string(body))
	}

	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		log.Fatalf("Failed to parse response: %v\nResponse: %s", err, string(body))
	}

	fmt.Printf("Call SID: %v\n", result["call_sid"])
	fmt.Printf("Status:   %v\n", result["status"])

	if sid, ok := result["call_sid"].(string); ok && sid != "" {
		fmt.Println()
		fmt.Printf("Track it with: GET %s/api/calls/%s\n", baseURL, sid)
	}
}
