package registration

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/eaglechat/eaglechat-server/internal/tenant"
)

// emailPattern is an RFC-5322-compatible shape check, not a full grammar.
var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)

const (
	minTokenLen    = 16
	minTokenLenDev = 4
	maxTokenLen    = 256
)

// Request is a tenant onboarding request.
type Request struct {
	SiteURL       string `json:"site_url"`
	AdminEmail    string `json:"admin_email"`
	CallbackToken string `json:"callback_token"`
}

// validate checks the request shape and returns the normalized site URL and
// derived domain. developmentMode relaxes origin rules only, never signatures.
func (r *Request) validate(developmentMode bool) (siteURL, domain string, err error) {
	siteURL = strings.TrimSuffix(strings.TrimSpace(r.SiteURL), "/")
	domain, err = deriveDomain(siteURL, developmentMode)
	if err != nil {
		return "", "", err
	}

	if !emailPattern.MatchString(r.AdminEmail) {
		return "", "", &tenant.ValidationError{Field: "admin_email", Message: "not a valid email address"}
	}

	if err := validateCallbackToken(r.CallbackToken, developmentMode); err != nil {
		return "", "", err
	}
	return siteURL, domain, nil
}

// deriveDomain parses an absolute http/https URL and returns the normalized
// host: lowercased, port preserved only if non-default for the scheme.
func deriveDomain(siteURL string, developmentMode bool) (string, error) {
	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return "", &tenant.ValidationError{Field: "site_url", Message: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &tenant.ValidationError{Field: "site_url", Message: "scheme must be http or https"}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", &tenant.ValidationError{Field: "site_url", Message: "missing host"}
	}

	if !developmentMode {
		if err := rejectPrivateHost(host); err != nil {
			return "", err
		}
	}

	port := u.Port()
	defaultPort := map[string]string{"http": "80", "https": "443"}[u.Scheme]
	if port != "" && port != defaultPort {
		return net.JoinHostPort(host, port), nil
	}
	return host, nil
}

// rejectPrivateHost blocks registration targets the server must not call back
// to in production: loopback, RFC 1918, and link-local addresses.
func rejectPrivateHost(host string) error {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return &tenant.ValidationError{Field: "site_url", Message: "private networks and localhost are not allowed"}
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return &tenant.ValidationError{Field: "site_url", Message: "private IP addresses and localhost are not allowed"}
		}
	}
	return nil
}

func validateCallbackToken(token string, developmentMode bool) error {
	min := minTokenLen
	if developmentMode {
		min = minTokenLenDev
	}
	if len(token) < min {
		return &tenant.ValidationError{
			Field:   "callback_token",
			Message: fmt.Sprintf("must be at least %d characters", min),
		}
	}
	if len(token) > maxTokenLen {
		return &tenant.ValidationError{
			Field:   "callback_token",
			Message: fmt.Sprintf("must not exceed %d characters", maxTokenLen),
		}
	}
	for _, r := range token {
		if !unicode.IsPrint(r) || r > unicode.MaxASCII {
			return &tenant.ValidationError{Field: "callback_token", Message: "must be printable ASCII"}
		}
	}
	return nil
}
