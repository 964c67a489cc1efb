package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Lexiie/KangKlip/pkg/sdk"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("KANGKLIP_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client := sdk.NewClient(sdk.Config{
		BaseURL:   baseURL,
		AuthToken: os.Getenv("KANGKLIP_AUTH_TOKEN"),
	})

	switch os.Args[1] {
	case "submit":
		cmdSubmit(client)
	case "status":
		cmdStatus(client)
	case "results":
		cmdResults(client)
	case "unlock":
		cmdUnlock(client)
	case "balance":
		cmdBalance(client)
	case "version":
		fmt.Printf("kangklip-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`KangKlip CLI v` + version + `

Usage: kangklip <command> [flags]

Commands:
  submit    Submit a clipping job
  status    Show job status
  results   List a finished job's clips
  unlock    Unlock a clip (spends one credit)
  balance   Show the wallet's on-chain credit balance
  version   Print version
  help      Show this help

Environment:
  KANGKLIP_API_URL      API base URL (default: http://localhost:8080)
  KANGKLIP_AUTH_TOKEN   Wallet session token (required for unlock, balance)

Examples:
  kangklip submit --url https://youtu.be/dQw4w9WgXcQ --clips 3 --duration 45 --wait
  kangklip status --job kk_01HZX5NQD3TJ0R9KQ4YV8WBM2A
  kangklip results --job kk_01HZX... --token <job-token>
  kangklip unlock --job kk_01HZX... --token <job-token> --clip clip_01.mp4`)
}

// ----------------------------------------------------------------
// submit command
// ----------------------------------------------------------------

func cmdSubmit(client *sdk.Client) {
	var videoURL, language string
	clips, duration := 3, 45
	wait := false

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--url", "-u":
			i++
			if i < len(args) {
				videoURL = args[i]
			}
		case "--clips":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &clips)
			}
		case "--duration":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &duration)
			}
		case "--language":
			i++
			if i < len(args) {
				language = args[i]
			}
		case "--wait", "-w":
			wait = true
		}
	}

	if videoURL == "" {
		fmt.Fprintln(os.Stderr, "Error: --url is required")
		os.Exit(1)
	}

	res, err := client.SubmitJob(context.Background(), sdk.SubmitJobRequest{
		VideoURL:            videoURL,
		ClipCount:           clips,
		ClipDurationSeconds: duration,
		Language:            language,
	})
	if err != nil {
		fail(err)
	}

	fmt.Printf("Job:    %s\nToken:  %s\nStatus: %s\n", res.JobID, res.JobToken, res.Status)
	if wait {
		waitAndReport(client, res.JobID)
	}
}

func waitAndReport(client *sdk.Client, jobID string) {
	fmt.Println("⏳ Waiting for completion...")
	lastStage, lastProgress := "", -1
	for {
		st, err := client.JobStatus(context.Background(), jobID)
		if err != nil {
			fail(err)
		}
		if st.Stage != lastStage || st.Progress != lastProgress {
			fmt.Printf("   %-12s %3d%%\n", st.Stage, st.Progress)
			lastStage, lastProgress = st.Stage, st.Progress
		}
		if st.Terminal() {
			if st.Status == sdk.StatusSucceeded {
				fmt.Println("✅ SUCCEEDED")
			} else {
				fmt.Printf("⛔ FAILED | %s\n", st.Error)
				os.Exit(1)
			}
			return
		}
		time.Sleep(3 * time.Second)
	}
}

// ----------------------------------------------------------------
// status command
// ----------------------------------------------------------------

func cmdStatus(client *sdk.Client) {
	jobID := scanFlag("--job")
	if jobID == "" {
		fmt.Fprintln(os.Stderr, "Usage: kangklip status --job <job-id>")
		os.Exit(1)
	}

	st, err := client.JobStatus(context.Background(), jobID)
	if err != nil {
		fail(err)
	}

	fmt.Printf("Job:      %s\nStatus:   %s\n", st.JobID, st.Status)
	if st.Stage != "" {
		fmt.Printf("Stage:    %s (%d%%)\n", st.Stage, st.Progress)
	}
	if st.RunID != "" {
		fmt.Printf("Run:      %s\n", st.RunID)
	}
	if st.StartError != "" {
		fmt.Printf("⚠️  Start:  %s\n", st.StartError)
	}
	if st.Error != "" {
		fmt.Printf("⛔ Error:  %s\n", st.Error)
	}
}

// ----------------------------------------------------------------
// results command
// ----------------------------------------------------------------

func cmdResults(client *sdk.Client) {
	jobID := scanFlag("--job")
	jobToken := scanFlag("--token")
	if jobID == "" || jobToken == "" {
		fmt.Fprintln(os.Stderr, "Usage: kangklip results --job <job-id> --token <job-token>")
		os.Exit(1)
	}

	clips, err := client.Results(context.Background(), jobID, jobToken)
	if err != nil {
		fail(err)
	}
	if len(clips) == 0 {
		fmt.Println("No clips produced.")
		return
	}

	fmt.Printf("%-14s %-40s %-9s %s\n", "CLIP", "TITLE", "DURATION", "LOCKED")
	fmt.Println("--------------------------------------------------------------------------")
	for _, c := range clips {
		locked := "yes"
		if !c.Locked {
			locked = "no"
		}
		title := c.Title
		if len(title) > 38 {
			title = title[:35] + "..."
		}
		fmt.Printf("%-14s %-40s %-9s %s\n", c.ClipFile, title, fmt.Sprintf("%ds", c.Duration), locked)
	}
}

// ----------------------------------------------------------------
// unlock command
// ----------------------------------------------------------------

func cmdUnlock(client *sdk.Client) {
	jobID := scanFlag("--job")
	jobToken := scanFlag("--token")
	clipFile := scanFlag("--clip")
	requestID := scanFlag("--request-id")
	if jobID == "" || jobToken == "" || clipFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: kangklip unlock --job <job-id> --token <job-token> --clip <file> [--request-id <id>]")
		os.Exit(1)
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}

	res, err := client.Unlock(context.Background(), jobID, jobToken, clipFile, requestID)
	if err != nil {
		var apiErr *sdk.APIError
		if errors.As(err, &apiErr) && apiErr.Status == 402 {
			fmt.Fprintln(os.Stderr, "⛔ insufficient credits - top up and retry with a new request id")
			os.Exit(1)
		}
		fail(err)
	}

	fmt.Printf("✅ UNLOCKED | charged=%d | idempotency=%s\n", res.ChargedCredits, res.Idempotency)

	download, err := client.DownloadURL(context.Background(), jobID, jobToken, clipFile)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Download (valid %ds):\n%s\n", download.ExpiresIn, download.URL)
}

// ----------------------------------------------------------------
// balance command
// ----------------------------------------------------------------

func cmdBalance(client *sdk.Client) {
	credits, err := client.Balance(context.Background())
	if err != nil {
		fail(err)
	}
	fmt.Printf("Credits: %d\n", credits)
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

// scanFlag finds a --flag value anywhere after the subcommand.
func scanFlag(name string) string {
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		if args[i] == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "❌ %v\n", err)
	os.Exit(1)
}
