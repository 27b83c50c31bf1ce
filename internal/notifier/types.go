package notifier

import "time"

type Config struct {
	// RatePerSec is the provider request budget. Burst equals the rate.
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

type Channel string

const (
	ChannelCall Channel = "call"
	ChannelText Channel = "text"
)

// Delivery is one outbound call or text.
type Delivery struct {
	// Key identifies the delivery for dedup. Empty disables dedup.
	Key       string
	Channel   Channel
	Number    string
	ScriptURL string // calls
	Body      string // texts
}

type Result struct {
	SID      string
	Deduped  bool
	Attempts int
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	Channel  Channel   `json:"channel"`
	Number   string    `json:"number"`
	SID      string    `json:"sid,omitempty"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

// DeliveryEvent is emitted on the event bus for notifier lifecycle events.
type DeliveryEvent struct {
	Channel Channel   `json:"channel"`
	Number  string    `json:"number"`
	Key     string    `json:"key,omitempty"`
	SID     string    `json:"sid,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
