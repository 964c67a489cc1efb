// Package config resolves service configuration from the environment.
//
// main loads a .env file via godotenv before calling Load, so local
// development and container deployments read the same variable names.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
)

type Config struct {
	Server      Server
	Redis       Redis
	Fabric      Fabric
	ObjectStore ObjectStore
	LLM         LLM
	Chain       Chain
	Worker      Worker
}

type Server struct {
	Port            string
	CORSOrigins     []string
	CallbackBaseURL string
	CallbackToken   string
}

type Redis struct {
	URL string
}

type Fabric struct {
	APIBase     string
	APIKey      string
	WorkerImage string
	Market      string
	GPUModel    string
}

type ObjectStore struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

type LLM struct {
	APIBase        string
	ModelName      string
	APIKey         string
	TimeoutSeconds int
}

type Chain struct {
	RPCURL    string
	USDCMint  solana.PublicKey
	Authority solana.PublicKey
	ProgramID solana.PublicKey
	Spender   solana.PrivateKey
}

// Worker carries advisory variables forwarded verbatim into the worker
// environment (ASR model choice, render and caption tuning).
type Worker struct {
	Passthrough map[string]string
}

// Prefixes of environment variables forwarded to the worker untouched.
var passthroughPrefixes = []string{"ASR_", "RENDER_", "CAPTION_", "TRANSCRIPT_"}

// Load reads and validates the full configuration. All missing
// required variables are reported in one error.
func Load() (*Config, error) {
	var missing []string
	need := func(name string) string {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			missing = append(missing, name)
		}
		return v
	}

	cfg := &Config{
		Server: Server{
			Port:            os.Getenv("PORT"),
			CallbackBaseURL: strings.TrimRight(need("CALLBACK_BASE_URL"), "/"),
			CallbackToken:   need("CALLBACK_TOKEN"),
		},
		Redis: Redis{
			URL: need("REDIS_URL"),
		},
		Fabric: Fabric{
			APIBase:     strings.TrimRight(need("NOSANA_API_BASE"), "/"),
			APIKey:      need("NOSANA_API_KEY"),
			WorkerImage: need("NOSANA_WORKER_IMAGE"),
			Market:      need("NOSANA_MARKET"),
			GPUModel:    os.Getenv("NOSANA_GPU_MODEL"),
		},
		ObjectStore: ObjectStore{
			Endpoint:        need("R2_ENDPOINT"),
			Bucket:          need("R2_BUCKET"),
			AccessKeyID:     need("R2_ACCESS_KEY_ID"),
			SecretAccessKey: need("R2_SECRET_ACCESS_KEY"),
		},
		LLM: LLM{
			APIBase:        need("LLM_API_BASE"),
			ModelName:      need("LLM_MODEL_NAME"),
			APIKey:         os.Getenv("LLM_API_KEY"),
			TimeoutSeconds: 20,
		},
		Worker: Worker{
			Passthrough: collectPassthrough(os.Environ()),
		},
	}

	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Fabric.GPUModel == "" {
		cfg.Fabric.GPUModel = "3080"
	}
	cfg.Server.CORSOrigins = splitOrigins(os.Getenv("CORS_ORIGINS"))

	if raw := strings.TrimSpace(os.Getenv("LLM_TIMEOUT_SECONDS")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("LLM_TIMEOUT_SECONDS: %q is not a positive integer", raw)
		}
		cfg.LLM.TimeoutSeconds = n
	}

	rpcURL := need("SOLANA_RPC_URL")
	mintRaw := need("USDC_MINT")
	authorityRaw := need("TREASURY_ADDRESS")
	programRaw := need("CREDITS_PROGRAM_ID")
	spenderRaw := need("SPENDER_KEYPAIR")

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}

	var err error
	cfg.Chain.RPCURL = rpcURL
	if cfg.Chain.USDCMint, err = solana.PublicKeyFromBase58(mintRaw); err != nil {
		return nil, fmt.Errorf("USDC_MINT: %w", err)
	}
	if cfg.Chain.Authority, err = solana.PublicKeyFromBase58(authorityRaw); err != nil {
		return nil, fmt.Errorf("TREASURY_ADDRESS: %w", err)
	}
	if cfg.Chain.ProgramID, err = solana.PublicKeyFromBase58(programRaw); err != nil {
		return nil, fmt.Errorf("CREDITS_PROGRAM_ID: %w", err)
	}
	if cfg.Chain.Spender, err = parseSpenderKey(spenderRaw); err != nil {
		return nil, fmt.Errorf("SPENDER_KEYPAIR: %w", err)
	}

	return cfg, nil
}

// parseSpenderKey accepts either a path to a keygen file or the inline
// 64-byte JSON array that solana-keygen writes.
func parseSpenderKey(raw string) (solana.PrivateKey, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "[") {
		var nums []int
		if err := json.Unmarshal([]byte(s), &nums); err != nil {
			return nil, fmt.Errorf("inline keypair: %w", err)
		}
		if len(nums) != 64 {
			return nil, fmt.Errorf("inline keypair: want 64 bytes, got %d", len(nums))
		}
		key := make(solana.PrivateKey, 64)
		for i, n := range nums {
			if n < 0 || n > 255 {
				return nil, fmt.Errorf("inline keypair: byte %d out of range", i)
			}
			key[i] = byte(n)
		}
		return key, nil
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(s)
	if err != nil {
		return nil, fmt.Errorf("keypair file %s: %w", s, err)
	}
	return key, nil
}

// defaultOrigins covers local frontend development when CORS_ORIGINS
// is unset.
var defaultOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}

func splitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return defaultOrigins
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	if len(origins) == 0 {
		return defaultOrigins
	}
	return origins
}

func collectPassthrough(environ []string) map[string]string {
	out := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for _, prefix := range passthroughPrefixes {
			if strings.HasPrefix(name, prefix) {
				out[name] = value
				break
			}
		}
	}
	return out
}
