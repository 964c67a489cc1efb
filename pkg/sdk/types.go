package sdk

// Status tokens reported by JobStatus.
const (
	StatusQueued    = "QUEUED"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// SubmitJobRequest describes the video to clip.
type SubmitJobRequest struct {
	// VideoURL is the source video (YouTube or direct link).
	VideoURL string `json:"video_url"`

	// ClipDurationSeconds is the target length of each clip, 30..60.
	ClipDurationSeconds int `json:"clip_duration_seconds"`

	// ClipCount is how many clips to produce, 1..5.
	ClipCount int `json:"clip_count"`

	// Language selects transcript/caption output: "en", "id" or "auto"
	// (the default).
	Language string `json:"language,omitempty"`
}

// SubmitJobResult carries the freshly created job handle. Keep the
// token: it is the only way to reach the job's clips later.
type SubmitJobResult struct {
	JobID    string `json:"job_id"`
	JobToken string `json:"job_token"`
	Status   string `json:"status"`
}

// JobStatus is the public view of a job. It never includes the token.
type JobStatus struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	Stage      string `json:"stage,omitempty"`
	Progress   int    `json:"progress"`
	StartError string `json:"start_error,omitempty"`
	Error      string `json:"error,omitempty"`
	RunID      string `json:"nosana_run_id,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (s *JobStatus) Terminal() bool {
	return s.Status == StatusSucceeded || s.Status == StatusFailed
}

// Clip is one row of the results listing.
type Clip struct {
	ClipFile         string `json:"clip_file"`
	Title            string `json:"title"`
	Duration         int    `json:"duration"`
	Locked           bool   `json:"locked"`
	UnlockEndpoint   string `json:"unlock_endpoint"`
	DownloadEndpoint string `json:"download_endpoint"`
	PreviewEndpoint  string `json:"preview_endpoint"`
}

// SignedURL grants time-limited direct access to clip bytes.
type SignedURL struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in"`
}

// Challenge is a single-use message the wallet must sign to log in.
type Challenge struct {
	WalletAddress string `json:"wallet_address"`
	Challenge     string `json:"challenge"`
	Nonce         string `json:"nonce"`
	ExpiresIn     int    `json:"expires_in"`
}

// Session carries the bearer token minted after a verified signature.
type Session struct {
	AuthToken string `json:"auth_token"`
	ExpiresIn int    `json:"expires_in"`
}

// TopupIntent enumerates the accounts and instruction data a wallet
// needs to assemble and sign a USDC top-up transaction client-side.
type TopupIntent struct {
	ProgramID          string `json:"program_id"`
	ConfigPDA          string `json:"config_pda"`
	UserCreditPDA      string `json:"user_credit_pda"`
	VaultATA           string `json:"vault_ata"`
	UserATA            string `json:"user_ata"`
	USDCMint           string `json:"usdc_mint"`
	InstructionDataB64 string `json:"instruction_data_base64"`
	AmountBaseUnits    uint64 `json:"amount_base_units"`
	CreditUnit         uint64 `json:"credit_unit"`
	CreditsToBuy       uint64 `json:"credits_to_buy"`
}

// TopupReceipt confirms a processed top-up transaction.
type TopupReceipt struct {
	Credited   bool   `json:"credited"`
	NewBalance uint64 `json:"new_balance"`
}

// UnlockResult reports the outcome of an unlock request. Idempotency
// is "new" when this request charged the wallet and "replay" when the
// unlock had already happened.
type UnlockResult struct {
	JobID          string `json:"job_id"`
	ClipFile       string `json:"clip_file"`
	Unlocked       bool   `json:"unlocked"`
	ChargedCredits int    `json:"charged_credits"`
	Idempotency    string `json:"idempotency"`
}
