package services

import (
	"net"
	"net/url"
	"regexp"
	"strings"
)

// URLCheck is the outcome of validating a submitted media URL. Reason is set
// only when Valid is false.
type URLCheck struct {
	Valid  bool
	Reason string
}

func invalid(reason string) URLCheck {
	return URLCheck{Reason: reason}
}

var legacyYouTubePattern = regexp.MustCompile(
	`^(https?://)?(www\.|m\.)?(youtube\.com/(watch\?v=|embed/|v/|shorts/|playlist\?list=)|youtu\.be/)[\w-]+([&?][\w=.%-]*)*$`,
)

var privateNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"127.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// URLValidator decides whether a URL may be handed to the download tool.
type URLValidator struct {
	allowedHosts []string
	strict       bool
}

// NewURLValidator builds a validator for the given platform domains. With
// strict set, YouTube URLs must also have a watch/embed/shorts/playlist/youtu.be
// shape.
func NewURLValidator(allowedHosts []string, strict bool) *URLValidator {
	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		h = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "www.")
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return &URLValidator{allowedHosts: hosts, strict: strict}
}

// Validate applies the rules in order and reports the first that fails:
// absolute URL, http(s) scheme, no internal-network host, allowed platform.
func (v *URLValidator) Validate(raw string) URLCheck {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return invalid("URL is empty")
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return invalid("URL must be absolute")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return invalid("only http and https URLs are supported")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return invalid("URL has no host")
	}
	if isInternalHost(host) {
		return invalid("URLs pointing at local or private networks are not allowed")
	}

	if !v.hostAllowed(host) {
		return invalid("platform is not supported")
	}

	if v.strict && isYouTubeHost(host) && !IsLegacyYouTubeURL(raw) {
		return invalid("unrecognized YouTube URL format")
	}

	return URLCheck{Valid: true}
}

func (v *URLValidator) hostAllowed(host string) bool {
	host = strings.TrimPrefix(host, "www.")
	for _, allowed := range v.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func isInternalHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return false
	}
	if ip.IsUnspecified() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return true
	}
	for _, n := range privateNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func isYouTubeHost(host string) bool {
	host = strings.TrimPrefix(host, "www.")
	return host == "youtu.be" || host == "youtube.com" || strings.HasSuffix(host, ".youtube.com")
}

// IsLegacyYouTubeURL reports whether raw has one of the classic YouTube
// video URL shapes.
func IsLegacyYouTubeURL(raw string) bool {
	return legacyYouTubePattern.MatchString(strings.TrimSpace(raw))
}
