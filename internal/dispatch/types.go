package dispatch

import "errors"

// ErrSenderMismatch means the requested From line does not match the
// authenticated SMTP account.
var ErrSenderMismatch = errors.New("sender_mismatch")

// Per-recipient failure reasons recorded in the roster's reason column.
const (
	ReasonInvalidEmail = "invalid_email"
)

// CampaignConfig describes one batch. It doubles as the request body of the
// send endpoints; zero values fall back to the service defaults.
type CampaignConfig struct {
	Subject        string   `json:"subject"`
	HTML           string   `json:"html,omitempty"`
	TemplateURL    string   `json:"templateUrl,omitempty"`
	Text           string   `json:"text,omitempty"`
	From           string   `json:"from,omitempty"`
	ReplyTo        string   `json:"replyTo,omitempty"`
	StartRow       int      `json:"startRow,omitempty"`
	MaxRows        int      `json:"maxRows,omitempty"`
	OnlyIfStatusIn []string `json:"onlyIfStatusIn,omitempty"`
	DelayMinMs     int      `json:"batchDelayMinMs,omitempty"`
	DelayMaxMs     int      `json:"batchDelayMaxMs,omitempty"`
	MaxRetries     int      `json:"maxRetries,omitempty"`
	RetryBaseMs    int      `json:"retryBaseMs,omitempty"`
}

// SendResult is one recipient's outcome, in batch input order.
type SendResult struct {
	To        string `json:"to"`
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId,omitempty"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BatchResult summarizes a completed batch. OK means every recipient was
// accepted by the transport.
type BatchResult struct {
	OK      bool         `json:"ok"`
	Sent    int          `json:"sent"`
	Total   int          `json:"total"`
	Results []SendResult `json:"results"`
}
