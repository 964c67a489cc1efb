// Simulates a Nosana worker run against a local API: walks a job
// through every pipeline stage with the callbacks a real worker
// container would post. Useful when developing without GPU capacity.
//
//	go run scripts/simulate_worker.go <job-id>
//
// KANGKLIP_API_URL and CALLBACK_TOKEN configure the target.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type step struct {
	status   string
	stage    string
	progress int
}

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: simulate_worker <job-id>")
	}
	jobID := os.Args[1]

	apiBase := os.Getenv("KANGKLIP_API_URL")
	if apiBase == "" {
		apiBase = "http://localhost:8080"
	}
	token := os.Getenv("CALLBACK_TOKEN")
	if token == "" {
		log.Fatal("CALLBACK_TOKEN is required")
	}

	fmt.Printf("🤖 Worker starting for %s\n", jobID)

	steps := []step{
		{"RUNNING", "DOWNLOAD", 5},
		{"RUNNING", "TRANSCRIPT", 20},
		{"RUNNING", "CHUNK", 35},
		{"RUNNING", "SELECT", 50},
		{"RUNNING", "RENDER", 75},
		{"RUNNING", "UPLOAD", 92},
	}
	for _, s := range steps {
		postCallback(apiBase, token, map[string]interface{}{
			"job_id":   jobID,
			"status":   s.status,
			"stage":    s.stage,
			"progress": s.progress,
		})
		fmt.Printf("   %-10s %3d%%\n", s.stage, s.progress)
		time.Sleep(1 * time.Second)
	}

	postCallback(apiBase, token, map[string]interface{}{
		"job_id":    jobID,
		"status":    "SUCCEEDED",
		"stage":     "DONE",
		"progress":  100,
		"r2_prefix": fmt.Sprintf("jobs/%s/", jobID),
	})
	fmt.Println("✅ Job reported SUCCEEDED.")
	fmt.Println("   (no clips were uploaded - results need a real worker run)")
}

func postCallback(apiBase, token string, body map[string]interface{}) {
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, apiBase+"/api/callback/nosana", bytes.NewReader(raw))
	if err != nil {
		log.Fatalf("build callback: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-callback-token", token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("post callback: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		log.Fatalf("callback rejected (%d): %s", resp.StatusCode, e.Error)
	}
}
