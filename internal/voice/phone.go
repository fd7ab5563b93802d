package voice

import (
	"net/url"
	"strings"
)

// cleanPhone strips everything except digits and '+'.
func cleanPhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePhone returns phone in E.164-like form. Bare 10-digit numbers
// are assumed to be North American and get +1.
func NormalizePhone(phone string) string {
	cleaned := cleanPhone(phone)
	if strings.HasPrefix(cleaned, "+") {
		return cleaned
	}
	if len(cleaned) == 10 {
		return "+1" + cleaned
	}
	return "+" + cleaned
}

// ValidPhone reports whether phone has 10 to 15 characters once cleaned.
func ValidPhone(phone string) bool {
	n := len(cleanPhone(phone))
	return n >= 10 && n <= 15
}

// MaskPhone hides the last four digits for logging.
func MaskPhone(phone string) string {
	p := NormalizePhone(phone)
	if len(p) > 8 {
		return p[:len(p)-4] + "****"
	}
	return "****"
}

// WebhookURL joins the webhook path onto base and tags it with leadID.
func WebhookURL(base, leadID string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	u = u.JoinPath(webhookPath)
	if leadID != "" {
		q := u.Query()
		q.Set("leadId", leadID)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
