package models

import "time"

// Channel types, numbered the way upstream admin tooling stores them.
const (
	ChannelTypeOpenAI    = 1
	ChannelTypeAzure     = 3
	ChannelTypeAnthropic = 14
	ChannelTypeGemini    = 24
	ChannelTypeMoonshot  = 25
	ChannelTypeAws       = 33
	ChannelTypeVertexAI  = 41
	ChannelTypeDeepSeek  = 43
)

// Channel and token status values.
const (
	StatusEnabled  = 1
	StatusDisabled = 2
)

// Unlimited marks an unbounded quota or a token that never expires.
const Unlimited int64 = -1

// Channel is a configured connection to one provider account.
type Channel struct {
	ID             int64
	Type           int
	Name           string
	Key            string
	BaseURL        string
	Models         string
	Group          string
	Weight         int
	Priority       int64
	Status         int
	APIVersion     string
	HeaderOverride string
	ParamOverride  string
	PricingRegion  string
}

// Ability binds a (group, model) pair to a channel.
type Ability struct {
	Group     string
	Model     string
	ChannelID int64
	Enabled   bool
	Priority  int64
	Weight    int
}

// ProtocolConfig drives the dynamic adaptor for one channel type and API version.
type ProtocolConfig struct {
	ID              int64
	ChannelType     int
	APIVersion      string
	IsDefault       bool
	ChatEndpoint    string
	EmbedEndpoint   string
	ModelsEndpoint  string
	RequestMapping  string
	ResponseMapping string
	DetectionRules  string
}

// Price holds per-model rates in nanodollars per million tokens.
// Nil sub-prices fall back to multipliers of the base rates.
type Price struct {
	Model               string
	InputPrice          int64
	OutputPrice         int64
	Currency            string
	AliasFor            string
	CacheReadPrice      *int64
	CacheCreationPrice  *int64
	BatchInputPrice     *int64
	BatchOutputPrice    *int64
	PriorityInputPrice  *int64
	PriorityOutputPrice *int64
	AudioInputPrice     *int64
	Region              string
}

// TieredPrice is one volume tier. A nil TierEnd is unbounded and an empty
// Region applies everywhere.
type TieredPrice struct {
	ID          int64
	Model       string
	Region      string
	TierStart   int64
	TierEnd     *int64
	InputPrice  int64
	OutputPrice int64
}

// Token is an end-user API credential with a quota.
type Token struct {
	ID          int64
	Key         string
	UserID      string
	Name        string
	Group       string
	Status      int
	QuotaLimit  int64
	UsedQuota   int64
	ExpiredTime int64
	RateLimit   int
}

// Expired reports whether the token is past its expiry at now (unix seconds).
func (t *Token) Expired(now int64) bool {
	return t.ExpiredTime != Unlimited && t.ExpiredTime < now
}

// Exhausted reports whether a bounded quota is fully consumed.
func (t *Token) Exhausted() bool {
	return t.QuotaLimit != Unlimited && t.UsedQuota >= t.QuotaLimit
}

// ExchangeRate converts amounts from one currency to another.
type ExchangeRate struct {
	FromCurrency string
	ToCurrency   string
	Rate         float64
	UpdatedAt    time.Time
}

// GatewayLog represents a request log entry
type GatewayLog struct {
	ID                  int64
	RequestID           string
	TokenID             int64
	ChannelID           int64
	Model               string
	Endpoint            string
	PromptTokens        int64
	CompletionTokens    int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostNano            int64
	Currency            string
	LatencyMs           int64
	StatusCode          int
	Passthrough         bool
	FailoverUsed        bool
	ErrorMessage        *string
	CreatedAt           time.Time
}
