package cloud

import (
	"fmt"
	"net/url"
	"strings"
)

// DestinationURL is a parsed s3://bucket/path destination.
type DestinationURL struct {
	Bucket string
	Path   string
}

// ParseDestinationURL validates and splits a destination URL. Only the s3
// scheme is supported and the bucket component must be non-empty; anything
// else is a ConfigurationError, raised before any network access.
func ParseDestinationURL(raw string) (*DestinationURL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("malformed destination URL %q: %v", raw, err)}
	}
	if parsed.Scheme != "s3" {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("unsupported scheme %q in %q (only s3:// is supported)", parsed.Scheme, raw)}
	}
	if parsed.Host == "" {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("missing bucket name in %q", raw)}
	}
	return &DestinationURL{
		Bucket: parsed.Host,
		Path:   strings.Trim(parsed.Path, "/"),
	}, nil
}
