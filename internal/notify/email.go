package notify

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"fleetupdater/internal/config"
)

// BuildEmailURL renders the shoutrrr smtp:// URL for m with an HTML body.
//
// smtp://[user[:password]@]host:port/?from=...&to=a,b&subject=...&usehtml=yes
func BuildEmailURL(m config.Mail, subject string) (string, error) {
	host := strings.TrimSpace(m.Host)
	port := strings.TrimSpace(m.Port)
	from := strings.TrimSpace(m.From)
	if host == "" || port == "" || from == "" || len(m.To) == 0 {
		return "", errors.New("SMTP host, port, sender and recipients are required")
	}

	userinfo := ""
	if m.Username != "" {
		userinfo = url.PathEscape(m.Username)
		if m.Password != "" {
			userinfo += ":" + url.PathEscape(m.Password)
		}
		userinfo += "@"
	}

	params := url.Values{}
	params.Set("from", from)
	params.Set("to", strings.Join(m.To, ","))
	params.Set("usehtml", "yes")
	if subject != "" {
		params.Set("subject", subject)
	}

	switch m.Security {
	case "none":
		params.Set("useStartTLS", "no")
	case "ssl":
		params.Set("encryption", "ssl")
	default:
		params.Set("useStartTLS", "yes")
	}

	return fmt.Sprintf("smtp://%s%s:%s/?%s", userinfo, host, port, params.Encode()), nil
}
