package settings

import "time"

// Setting keys as stored in system_settings and the YAML seed file
const (
	KeyTrialLimit          = "trial_limit"
	KeyVerifiedLimit       = "verified_limit"
	KeyMonthlyPrice        = "monthly_price"
	KeySignupURL           = "signup_url"
	KeyPremiumURL          = "premium_url"
	KeyPrivacyURL          = "privacy_url"
	KeyChatEnabled         = "chat_enabled"
	KeyLimitReachedMessage = "limit_reached_message"
)

// Descriptions documents every key; Seed writes them next to the values
var Descriptions = map[string]string{
	KeyTrialLimit:          "Questions allowed for unregistered chat users",
	KeyVerifiedLimit:       "Questions allowed after email verification",
	KeyMonthlyPrice:        "Monthly premium subscription price (BRL)",
	KeySignupURL:           "Registration page linked from the trial limit prompt",
	KeyPremiumURL:          "Premium page linked from the verified limit prompt",
	KeyPrivacyURL:          "Terms and privacy policy page",
	KeyChatEnabled:         "Whether the chat assistant accepts questions",
	KeyLimitReachedMessage: "Fallback message when no upgrade path applies",
}

// Snapshot is an immutable view of the settings at one point in time
type Snapshot struct {
	TrialLimit          int
	VerifiedLimit       int
	MonthlyPrice        float64
	SignupURL           string
	PremiumURL          string
	PrivacyURL          string
	ChatEnabled         bool
	LimitReachedMessage string
	LoadedAt            time.Time
}

// Defaults returns the baked-in settings used when nothing overrides them
func Defaults() Snapshot {
	return Snapshot{
		TrialLimit:          3,
		VerifiedLimit:       10,
		MonthlyPrice:        29.90,
		SignupURL:           "https://multibpo.com.br/cadastro",
		PremiumURL:          "https://multibpo.com.br/premium",
		PrivacyURL:          "https://multibpo.com.br/politica",
		ChatEnabled:         true,
		LimitReachedMessage: "Limite de perguntas atingido. Entre em contato conosco.",
	}
}
