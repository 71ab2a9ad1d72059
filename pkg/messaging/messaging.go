package messaging

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/platinummonkey/chatquota/pkg/settings"
)

// Tier names as stored on chat users
const (
	tierTrial    = "trial"
	tierVerified = "verified"
)

// Prompt is the text shown to a user together with an optional link
type Prompt struct {
	Message         string `json:"message"`
	CallToActionURL string `json:"call_to_action_url,omitempty"`
	NextAction      string `json:"next_action"`
}

// Next actions reported alongside the prompt
const (
	NextContinue       = "continue"
	NextSignup         = "signup"
	NextUpgradePremium = "upgrade_premium"
	NextBlocked        = "blocked"
)

// Render builds the prompt for a user of the given tier. When the limit is
// not reached, or the tier has no upgrade path, the configured fallback
// message is returned without a link.
func Render(snap settings.Snapshot, tier string, limitReached bool, phone string) Prompt {
	if !limitReached {
		return Prompt{NextAction: NextContinue}
	}

	digits := strings.TrimPrefix(phone, "+")
	switch tier {
	case tierTrial:
		link := withReferral(snap.SignupURL, digits)
		extra := snap.VerifiedLimit - snap.TrialLimit
		var b strings.Builder
		fmt.Fprintf(&b, "Você já utilizou suas %d perguntas gratuitas!\n\n", snap.TrialLimit)
		if extra > 0 {
			fmt.Fprintf(&b, "Para continuar conversando comigo, faça seu cadastro e ganhe mais %d perguntas GRÁTIS!\n\n", extra)
		} else {
			b.WriteString("Para continuar conversando comigo, faça seu cadastro.\n\n")
		}
		fmt.Fprintf(&b, "Cadastro rápido pelo celular:\n%s\n\n", link)
		b.WriteString("Após o cadastro, volte aqui e continue nossa conversa!")
		return Prompt{Message: b.String(), CallToActionURL: link, NextAction: NextSignup}

	case tierVerified:
		link := withReferral(snap.PremiumURL, digits)
		var b strings.Builder
		fmt.Fprintf(&b, "Parabéns! Você aproveitou ao máximo suas %d perguntas gratuitas!\n\n", snap.VerifiedLimit)
		b.WriteString("Para ter acesso ILIMITADO à nossa IA especializada:\n\n")
		b.WriteString("- Perguntas ilimitadas\n- Respostas prioritárias\n- Suporte especializado\n\n")
		fmt.Fprintf(&b, "Apenas %s/mês\n\n", FormatPrice(snap.MonthlyPrice))
		fmt.Fprintf(&b, "Assine agora pelo celular:\n%s", link)
		return Prompt{Message: b.String(), CallToActionURL: link, NextAction: NextUpgradePremium}
	}

	return Prompt{Message: snap.LimitReachedMessage, NextAction: NextBlocked}
}

// Disabled is the prompt returned while the chat is switched off
func Disabled(snap settings.Snapshot) Prompt {
	return Prompt{Message: snap.LimitReachedMessage, NextAction: NextBlocked}
}

// FormatPrice renders a price in Brazilian notation, e.g. "R$ 1.029,90"
func FormatPrice(v float64) string {
	cents := int64(v*100 + 0.5)
	whole, frac := cents/100, cents%100

	s := fmt.Sprintf("%d", whole)
	var grouped strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			grouped.WriteByte('.')
		}
		grouped.WriteRune(r)
	}
	return fmt.Sprintf("R$ %s,%02d", grouped.String(), frac)
}

func withReferral(base, digits string) string {
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Sprintf("%s?ref=whatsapp&phone=%s", base, digits)
	}
	q := u.Query()
	q.Set("ref", "whatsapp")
	q.Set("phone", digits)
	u.RawQuery = q.Encode()
	return u.String()
}
