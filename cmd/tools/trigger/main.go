package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

func main() {
	adminSecret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
	if adminSecret == "" {
		fmt.Println("Missing ADMIN_SECRET environment variable")
		os.Exit(1)
	}

	baseURL := os.Getenv("AGGREGATOR_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8081"
	}

	scope := "all"
	if len(os.Args) > 1 {
		scope = os.Args[1]
	}

	body, _ := json.Marshal(map[string]string{"scope": scope})
	req, err := http.NewRequest("POST", baseURL+"/api/v1/runs", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("Error creating request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", adminSecret)
	req.Header.Set("Authorization", "Bearer "+adminSecret)

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	fmt.Printf("Response Status: %s\n", resp.Status)
	fmt.Println(string(respBody))
	if resp.StatusCode != http.StatusAccepted {
		os.Exit(1)
	}
}
