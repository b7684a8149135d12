// Package identity canonicalizes raw domains and profile URLs into entity keys.
package identity

import (
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode"

	"github.com/sells-group/entity-resolver/internal/model"
)

// pseudonymousToken matches LinkedIn's opaque per-session member tokens.
// They are case-sensitive and never identify a person across sessions.
var pseudonymousToken = regexp.MustCompile(`^AC[wo][A-Za-z0-9_-]{20,}$`)

// profileHosts are hosts whose profile paths identify people.
var profileHosts = map[string]bool{
	"linkedin.com": true,
}

// IsPseudonymous reports whether token is an opaque provider member token.
func IsPseudonymous(token string) bool {
	return pseudonymousToken.MatchString(token)
}

// Normalize canonicalizes raw into a key of the given kind. An empty kind is
// detected from the input with Detect.
func Normalize(raw string, kind model.EntityKind) (model.Key, error) {
	if kind == "" {
		kind = Detect(raw)
	}
	switch kind {
	case model.KindCompany:
		return NormalizeCompany(raw)
	case model.KindPerson:
		return NormalizePerson(raw)
	default:
		return model.Key{}, model.NewValidationError("kind", string(kind), "unknown entity kind")
	}
}

// NormalizeCompany canonicalizes a domain or company URL. The scheme, a
// leading "www.", port, path, query and trailing slash are dropped and the
// host is lowercased.
func NormalizeCompany(raw string) (model.Key, error) {
	host, _, err := parse(raw)
	if err != nil {
		return model.Key{}, err
	}
	return model.Key{Value: host, Kind: model.KindCompany, Identity: model.IdentityResolvable}, nil
}

// NormalizePerson canonicalizes a profile URL into host/path form and tags
// its identity kind.
func NormalizePerson(raw string) (model.Key, error) {
	host, p, err := parse(raw)
	if err != nil {
		return model.Key{}, err
	}
	if profileHosts[siteOf(host)] {
		host = siteOf(host)
	}

	segs := splitPath(p)
	if len(segs) == 0 {
		return model.Key{}, model.NewValidationError("entity_key", raw, "profile url has no slug")
	}

	identity := model.IdentityResolvable
	if host == "linkedin.com" {
		segs, identity = linkedInPath(segs)
		if len(segs) == 0 {
			return model.Key{}, model.NewValidationError("entity_key", raw, "profile url has no slug")
		}
	} else {
		for i := range segs {
			segs[i] = strings.ToLower(segs[i])
		}
	}

	return model.Key{
		Value:    host + "/" + strings.Join(segs, "/"),
		Kind:     model.KindPerson,
		Identity: identity,
	}, nil
}

// ParseKey validates an already-canonical key string. A key is valid only
// when normalizing it again yields the same string.
func ParseKey(key string) (model.Key, error) {
	kind := model.KindCompany
	if strings.Contains(key, "/") {
		kind = model.KindPerson
	}
	k, err := Normalize(key, kind)
	if err != nil {
		return model.Key{}, err
	}
	if k.Value != key {
		return model.Key{}, model.NewValidationError("entity_key", key, "not a canonical key")
	}
	return k, nil
}

// Detect guesses whether raw names a person profile or a company.
func Detect(raw string) model.EntityKind {
	host, p, err := parse(raw)
	if err != nil {
		return model.KindCompany
	}
	if !profileHosts[siteOf(host)] {
		return model.KindCompany
	}
	segs := splitPath(p)
	if len(segs) >= 2 {
		switch segs[0] {
		case "in", "pub", "sales":
			return model.KindPerson
		}
	}
	return model.KindCompany
}

// linkedInPath reduces a LinkedIn profile path to its identifying segments.
func linkedInPath(segs []string) ([]string, model.IdentityKind) {
	switch strings.ToLower(segs[0]) {
	case "in", "pub":
		if len(segs) < 2 {
			return nil, model.IdentityResolvable
		}
		return slugSegments(strings.ToLower(segs[0]), segs[1])
	case "sales":
		if len(segs) < 3 {
			return nil, model.IdentityResolvable
		}
		kind := strings.ToLower(segs[1])
		if kind != "lead" && kind != "people" {
			break
		}
		// Sales Navigator lead URLs append ",NAME_SEARCH,..." to the token.
		token, _, _ := strings.Cut(segs[2], ",")
		out, identity := slugSegments("", token)
		if len(out) == 0 {
			return nil, identity
		}
		return []string{"sales", kind, out[0]}, identity
	}
	for i := range segs {
		segs[i] = strings.ToLower(segs[i])
	}
	return segs, model.IdentityResolvable
}

func slugSegments(prefix, slug string) ([]string, model.IdentityKind) {
	if slug == "" {
		return nil, model.IdentityResolvable
	}
	identity := model.IdentityResolvable
	if IsPseudonymous(slug) {
		identity = model.IdentityPseudonymous
	} else {
		slug = strings.ToLower(slug)
	}
	if prefix == "" {
		return []string{slug}, identity
	}
	return []string{prefix, slug}, identity
}

// parse extracts the canonical host and the decoded path from raw.
func parse(raw string) (string, string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", "", model.NewValidationError("entity_key", raw, "empty identifier")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", "", model.NewValidationError("entity_key", raw, "unparseable identifier")
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimSuffix(host, ".")
	// Repeated prefixes are stripped too, or the result would normalize again.
	for strings.HasPrefix(host, "www.") {
		host = host[len("www."):]
	}
	if !validHost(host) {
		return "", "", model.NewValidationError("entity_key", raw, "no extractable host")
	}
	return host, u.Path, nil
}

func validHost(host string) bool {
	if host == "" || !strings.Contains(host, ".") {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" {
			return false
		}
	}
	for _, r := range host {
		if unicode.IsSpace(r) || r == '/' || r == '@' {
			return false
		}
	}
	return true
}

// siteOf collapses country and mobile subdomains of profile hosts
// (uk.linkedin.com, m.linkedin.com) onto the registrable site.
func siteOf(host string) string {
	for site := range profileHosts {
		if host == site || strings.HasSuffix(host, "."+site) {
			return site
		}
	}
	return host
}

func splitPath(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	var segs []string
	for _, s := range strings.Split(p, "/") {
		// Escaped query or fragment markers would not survive a second parse.
		if i := strings.IndexAny(s, "?#"); i >= 0 {
			s = s[:i]
		}
		if s = strings.TrimSpace(s); s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
