package utils

import (
	"fmt"
	"net/url"
	"strings"

	"bskyfetch/internal"
)

// ATScheme prefixes every canonical resource identifier
const ATScheme = "at://"

// Record collections addressed by web links
const (
	CollectionPost        = "app.bsky.feed.post"
	CollectionStarterPack = "app.bsky.graph.starterpack"
	CollectionList        = "app.bsky.graph.list"
)

// ATURI is a parsed at://<authority>/<collection>/<rkey> identifier.
// Collection and RecordKey are empty for a bare authority.
type ATURI struct {
	Authority  string
	Collection string
	RecordKey  string
}

// ParseATURI parses a canonical identifier
func ParseATURI(raw string) (*ATURI, error) {
	if !IsCanonical(raw) {
		return nil, internal.NewInvalidArgumentError("uri", "must start with at://")
	}

	rest := strings.TrimSuffix(strings.TrimPrefix(raw, ATScheme), "/")
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}

	parts := strings.Split(rest, "/")
	if parts[0] == "" {
		return nil, internal.NewInvalidArgumentError("uri", "missing authority")
	}
	if len(parts) > 3 {
		return nil, internal.NewInvalidArgumentError("uri", "too many path segments")
	}

	u := &ATURI{Authority: parts[0]}
	if len(parts) > 1 {
		u.Collection = parts[1]
	}
	if len(parts) > 2 {
		u.RecordKey = parts[2]
	}
	if len(parts) > 1 && u.Collection == "" {
		return nil, internal.NewInvalidArgumentError("uri", "empty collection")
	}
	return u, nil
}

// String renders the identifier in canonical form
func (u ATURI) String() string {
	var b strings.Builder
	b.WriteString(ATScheme)
	b.WriteString(u.Authority)
	if u.Collection != "" {
		b.WriteString("/")
		b.WriteString(u.Collection)
		if u.RecordKey != "" {
			b.WriteString("/")
			b.WriteString(u.RecordKey)
		}
	}
	return b.String()
}

// IsCanonical reports whether s already uses the at:// scheme
func IsCanonical(s string) bool {
	return strings.HasPrefix(s, ATScheme)
}

// IsDID reports whether s is a decentralized identifier rather than a handle
func IsDID(s string) bool {
	return strings.HasPrefix(s, "did:") && len(s) > len("did:")
}

// LinkKind identifies the resource a web link points at
type LinkKind int

const (
	LinkPost LinkKind = iota
	LinkStarterPack
	LinkList
	LinkProfile
)

// String returns the string representation of LinkKind
func (k LinkKind) String() string {
	switch k {
	case LinkPost:
		return "post"
	case LinkStarterPack:
		return "starter-pack"
	case LinkList:
		return "list"
	case LinkProfile:
		return "profile"
	default:
		return "unknown"
	}
}

// Collection returns the record collection for the kind, empty for profiles
func (k LinkKind) Collection() string {
	switch k {
	case LinkPost:
		return CollectionPost
	case LinkStarterPack:
		return CollectionStarterPack
	case LinkList:
		return CollectionList
	default:
		return ""
	}
}

// LinkInfo contains parsed information from a web link
type LinkInfo struct {
	OriginalURL string
	Host        string
	Kind        LinkKind
	Handle      string
	RecordKey   string
}

// String returns a string representation of the LinkInfo
func (li *LinkInfo) String() string {
	return fmt.Sprintf("LinkInfo{Host: %s, Kind: %s, Handle: %s, RecordKey: %s}",
		li.Host, li.Kind, li.Handle, li.RecordKey)
}

// LinkParser validates and parses web links to resources
type LinkParser struct {
	allowedHosts []string
}

// NewLinkParser creates a link parser accepting the given web hosts
func NewLinkParser(hosts []string) *LinkParser {
	if len(hosts) == 0 {
		hosts = []string{"bsky.app", "www.bsky.app"}
	}
	allowed := make([]string, 0, len(hosts))
	for _, h := range hosts {
		allowed = append(allowed, strings.ToLower(strings.TrimSpace(h)))
	}
	return &LinkParser{allowedHosts: allowed}
}

// ValidateURL checks the scheme and host of a web link
func (p *LinkParser) ValidateURL(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, internal.NewInvalidLinkError(rawURL, "link cannot be empty")
	}

	parsedURL, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, internal.NewInvalidLinkError(rawURL, "malformed URL").WithCause(err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, internal.NewInvalidLinkError(rawURL, "link must use http or https")
	}

	host := strings.ToLower(parsedURL.Hostname())
	for _, allowed := range p.allowedHosts {
		if host == allowed {
			return parsedURL, nil
		}
	}

	return nil, internal.NewInvalidLinkError(rawURL, fmt.Sprintf("unsupported host %q", host))
}

// ParseLink matches the link path against the known resource shapes:
//
//	/profile/<handle>
//	/profile/<handle>/post/<rkey>
//	/profile/<handle>/lists/<rkey>
//	/starter-pack/<handle>/<rkey>
func (p *LinkParser) ParseLink(rawURL string) (*LinkInfo, error) {
	parsedURL, err := p.ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	segments := splitPath(parsedURL.EscapedPath())
	info := &LinkInfo{
		OriginalURL: rawURL,
		Host:        strings.ToLower(parsedURL.Hostname()),
	}

	switch {
	case len(segments) == 2 && segments[0] == "profile":
		info.Kind = LinkProfile
		info.Handle = segments[1]
	case len(segments) == 4 && segments[0] == "profile" && segments[2] == "post":
		info.Kind = LinkPost
		info.Handle, info.RecordKey = segments[1], segments[3]
	case len(segments) == 4 && segments[0] == "profile" && segments[2] == "lists":
		info.Kind = LinkList
		info.Handle, info.RecordKey = segments[1], segments[3]
	case len(segments) == 3 && segments[0] == "starter-pack":
		info.Kind = LinkStarterPack
		info.Handle, info.RecordKey = segments[1], segments[2]
	default:
		return nil, internal.NewInvalidLinkError(rawURL, "unrecognised link shape")
	}

	return info, nil
}

func splitPath(escaped string) []string {
	var out []string
	for _, seg := range strings.Split(strings.Trim(escaped, "/"), "/") {
		if seg == "" {
			return nil
		}
		if unescaped, err := url.PathUnescape(seg); err == nil {
			seg = unescaped
		}
		out = append(out, seg)
	}
	return out
}
