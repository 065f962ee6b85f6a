// Package auth signs and authenticates outbound calls to cloud-hosted
// providers: AWS SigV4 for Bedrock and service-account OAuth for Vertex AI.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrInvalidCredential is returned when a stored channel credential cannot be
// parsed.
var ErrInvalidCredential = errors.New("invalid credential")

const (
	sigV4Algorithm    = "AWS4-HMAC-SHA256"
	amzDateFormat     = "20060102T150405Z"
	amzDateStamp      = "20060102"
	defaultAWSService = "bedrock"
)

// AWSCredential is a parsed "ACCESS_KEY:SECRET_KEY:REGION" channel key.
type AWSCredential struct {
	AccessKey string
	SecretKey string
	Region    string
}

// ParseAWSCredential parses a colon-delimited AWS credential string.
func ParseAWSCredential(s string) (AWSCredential, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 3 {
		return AWSCredential{}, fmt.Errorf("%w: expected ACCESS_KEY:SECRET_KEY:REGION", ErrInvalidCredential)
	}
	cred := AWSCredential{AccessKey: parts[0], SecretKey: parts[1], Region: parts[2]}
	if cred.AccessKey == "" || cred.SecretKey == "" || cred.Region == "" {
		return AWSCredential{}, fmt.Errorf("%w: empty AWS credential field", ErrInvalidCredential)
	}
	return cred, nil
}

// Signer applies AWS Signature Version 4 to HTTP requests.
type Signer struct {
	cred    AWSCredential
	service string
	now     func() time.Time
}

// NewSigner returns a signer for the bedrock service.
func NewSigner(cred AWSCredential) *Signer {
	return &Signer{cred: cred, service: defaultAWSService, now: time.Now}
}

// WithClock replaces the signer's time source.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign adds x-amz-date and Authorization headers to req. body must be the
// exact bytes that will be sent.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	if req.URL == nil {
		return errors.New("sigv4: request has no URL")
	}
	t := s.now().UTC()
	amzDate := t.Format(amzDateFormat)
	dateStamp := t.Format(amzDateStamp)

	req.Header.Set("X-Amz-Date", amzDate)

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}

	headers := map[string]string{
		"host":       host,
		"x-amz-date": amzDate,
	}
	if ct := strings.TrimSpace(req.Header.Get("Content-Type")); ct != "" {
		headers["content-type"] = ct
	}
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, k := range names {
		canonicalHeaders.WriteString(k)
		canonicalHeaders.WriteByte(':')
		canonicalHeaders.WriteString(headers[k])
		canonicalHeaders.WriteByte('\n')
	}
	signedHeaders := strings.Join(names, ";")

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL.Path),
		canonicalQuery(req.URL.RawQuery),
		canonicalHeaders.String(),
		signedHeaders,
		hexSHA256(body),
	}, "\n")

	scope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, s.cred.Region, s.service)
	stringToSign := strings.Join([]string{
		sigV4Algorithm,
		amzDate,
		scope,
		hexSHA256([]byte(canonicalRequest)),
	}, "\n")

	key := signingKey(s.cred.SecretKey, dateStamp, s.cred.Region, s.service)
	signature := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigV4Algorithm, s.cred.AccessKey, scope, signedHeaders, signature))
	return nil
}

func signingKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	return uriEncode(path, false)
}

// canonicalQuery decodes each query pair, re-encodes key and value with
// uriEncode and sorts by key, then by value. A key without '=' gets an empty
// value.
func canonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	type pair struct{ k, v string }
	pairs := make([]pair, 0, strings.Count(raw, "&")+1)
	for _, p := range strings.Split(raw, "&") {
		if p == "" {
			continue
		}
		k, v, _ := strings.Cut(p, "=")
		pairs = append(pairs, pair{uriEncode(queryUnescape(k), true), uriEncode(queryUnescape(v), true)})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.k)
		b.WriteByte('=')
		b.WriteString(p.v)
	}
	return b.String()
}

func queryUnescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// uriEncode percent-encodes every byte except the RFC 3986 unreserved set.
// '/' is kept when encodeSlash is false.
func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hexSHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
