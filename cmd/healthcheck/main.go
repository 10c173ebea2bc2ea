// Package main provides a minimal HTTP healthcheck binary for container
// probes. It performs a GET request against the server's readiness
// endpoint and exits with code 0 on success (2xx) or code 1 on failure.
// Usage: healthcheck [url] (defaults to http://localhost:8080/readyz)
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

const defaultProbeURL = "http://localhost:8080/readyz"

func main() {
	url := defaultProbeURL
	if len(os.Args) > 1 {
		url = os.Args[1]
	}

	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		os.Exit(0)
	}

	fmt.Fprintf(os.Stderr, "healthcheck failed: %s returned status %d\n", url, resp.StatusCode)
	os.Exit(1)
}
