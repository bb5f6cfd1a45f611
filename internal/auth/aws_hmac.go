package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	AWSv4Prefix    = "AWS4-HMAC-SHA256 "
	AWSv4Algorithm = "AWS4-HMAC-SHA256"
	AmzDateFormat  = "20060102T150405Z"

	// UnsignedPayload is the payload hash used by presigned URLs.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// maxPresignExpiry is the longest X-Amz-Expires S3 accepts (7 days).
	maxPresignExpiry = 7 * 24 * time.Hour
)

type AwsHmacAuthEngine struct {
	AccessKeyID     string
	SecretAccessKey string

	// Now is the clock presigned URL expiry is measured against.
	Now func() time.Time
}

// NewAwsHmacAuthEngine creates a new AwsHmacAuthEngine with the given access key ID
// and secret access key.
func NewAwsHmacAuthEngine(accessKeyID string, secretAccessKey string) *AwsHmacAuthEngine {
	return &AwsHmacAuthEngine{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		Now:             time.Now,
	}
}

type credential struct {
	AccessKeyID string
	DateStamp   string
	Region      string
	Service     string
}

func (c credential) scope() string {
	return strings.Join([]string{c.DateStamp, c.Region, c.Service, "aws4_request"}, "/")
}

func parseCredential(s string) (credential, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 || parts[4] != "aws4_request" {
		return credential{}, ErrMalformedCredentials
	}

	c := credential{
		AccessKeyID: parts[0],
		DateStamp:   parts[1],
		Region:      parts[2],
		Service:     parts[3],
	}
	if c.Region == "" || c.Service == "" {
		return credential{}, ErrMalformedCredentials
	}

	return c, nil
}

func awsURLEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

// canonicalQueryString sorts and encodes the query, leaving out
// X-Amz-Signature which is never part of what gets signed.
func canonicalQueryString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "X-Amz-Signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, awsURLEncode(k, true)+"="+awsURLEncode(v, true))
		}
	}

	return strings.Join(parts, "&")
}

func canonicalHeaderValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	fields := strings.Fields(v)
	return strings.Join(fields, " ")
}

func BuildCanonicalRequest(r *http.Request, signedHeaderNames []string, payloadHash string) string {
	canonicalURI := awsURLEncode(r.URL.Path, false)
	if canonicalURI == "" {
		canonicalURI = "/"
	}
	canonicalQS := canonicalQueryString(r.URL.Query())

	lowerNames := make([]string, len(signedHeaderNames))
	for i, h := range signedHeaderNames {
		lowerNames[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var hdrBuilder strings.Builder
	for _, name := range lowerNames {
		if name == "" {
			continue
		}
		var value string
		if name == "host" {
			value = r.Host
			if value == "" {
				value = r.URL.Host
			}
		} else {
			value = r.Header.Get(name)
		}
		if name == "content-length" && value == "" && r.ContentLength >= 0 {
			value = strconv.FormatInt(r.ContentLength, 10)
		}
		hdrBuilder.WriteString(name)
		hdrBuilder.WriteString(":")
		hdrBuilder.WriteString(canonicalHeaderValue(value))
		hdrBuilder.WriteString("\n")
	}

	return strings.Join([]string{
		r.Method,
		canonicalURI,
		canonicalQS,
		hdrBuilder.String(),
		strings.Join(lowerNames, ";"),
		payloadHash,
	}, "\n")
}

func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// SignatureV4 computes the hex signature of canonicalRequest for the given
// credential scope and request time.
func SignatureV4(secretAccessKey string, dateStamp string, region string, service string, amzDate string, canonicalRequest string) string {
	crHash := sha256.Sum256([]byte(canonicalRequest))
	scope := credential{DateStamp: dateStamp, Region: region, Service: service}.scope()

	stringToSign := strings.Join([]string{
		AWSv4Algorithm,
		amzDate,
		scope,
		hex.EncodeToString(crHash[:]),
	}, "\n")

	kSecret := []byte("AWS4" + secretAccessKey)
	kDate := HmacSHA256(kSecret, dateStamp)
	kRegion := HmacSHA256(kDate, region)
	kService := HmacSHA256(kRegion, service)
	kSigning := HmacSHA256(kService, "aws4_request")
	return hex.EncodeToString(HmacSHA256(kSigning, stringToSign))
}

// AuthenticateRequest accepts requests signed with SigV4 either in the
// Authorization header or in presigned URL query parameters.
func (e *AwsHmacAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	if strings.HasPrefix(r.Header.Get("Authorization"), AWSv4Prefix) {
		return e.authenticateHeader(r)
	}

	if r.URL.Query().Has("X-Amz-Signature") {
		return e.authenticatePresigned(r)
	}

	return nil, ErrMissingCredentials
}

func (e *AwsHmacAuthEngine) authenticateHeader(r *http.Request) (*User, error) {
	params := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), AWSv4Prefix))
	kv := make(map[string]string)
	for p := range strings.SplitSeq(params, ",") {
		p = strings.TrimSpace(p)
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			continue
		}
		kv[k] = strings.TrimSpace(v)
	}

	credStr, okCred := kv["Credential"]
	signedHeadersStr, okSigned := kv["SignedHeaders"]
	signatureHex, okSig := kv["Signature"]
	if !okCred || !okSigned || !okSig {
		return nil, ErrMalformedCredentials
	}

	amzDate := r.Header.Get("X-Amz-Date")
	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if amzDate == "" || payloadHash == "" {
		return nil, ErrMalformedCredentials
	}

	return e.verify(r, credStr, amzDate, signedHeadersStr, payloadHash, signatureHex)
}

func (e *AwsHmacAuthEngine) authenticatePresigned(r *http.Request) (*User, error) {
	q := r.URL.Query()
	if q.Get("X-Amz-Algorithm") != AWSv4Algorithm {
		return nil, ErrMalformedCredentials
	}

	amzDate := q.Get("X-Amz-Date")
	signedAt, err := time.Parse(AmzDateFormat, amzDate)
	if err != nil {
		return nil, fmt.Errorf("%w: X-Amz-Date: %v", ErrMalformedCredentials, err)
	}

	expiresSeconds, err := strconv.Atoi(q.Get("X-Amz-Expires"))
	if err != nil || expiresSeconds <= 0 {
		return nil, fmt.Errorf("%w: X-Amz-Expires", ErrMalformedCredentials)
	}
	expires := time.Duration(expiresSeconds) * time.Second
	if expires > maxPresignExpiry {
		return nil, fmt.Errorf("%w: X-Amz-Expires exceeds %s", ErrMalformedCredentials, maxPresignExpiry)
	}

	user, err := e.verify(r, q.Get("X-Amz-Credential"), amzDate, q.Get("X-Amz-SignedHeaders"), UnsignedPayload, q.Get("X-Amz-Signature"))
	if err != nil {
		return nil, err
	}

	if e.Now().After(signedAt.Add(expires)) {
		return nil, ErrRequestExpired
	}

	return user, nil
}

func (e *AwsHmacAuthEngine) verify(r *http.Request, credStr string, amzDate string, signedHeaders string, payloadHash string, signatureHex string) (*User, error) {
	cred, err := parseCredential(credStr)
	if err != nil {
		return nil, err
	}
	if cred.AccessKeyID != e.AccessKeyID {
		return nil, ErrUnknownAccessKey
	}

	canonicalReq := BuildCanonicalRequest(r, strings.Split(signedHeaders, ";"), payloadHash)
	computed := SignatureV4(e.SecretAccessKey, cred.DateStamp, cred.Region, cred.Service, amzDate, canonicalReq)

	presented, err := hex.DecodeString(signatureHex)
	if err != nil {
		return nil, ErrSignatureMismatch
	}
	expected, _ := hex.DecodeString(computed)

	if !hmac.Equal(expected, presented) {
		return nil, ErrSignatureMismatch
	}

	return &User{AccessKeyID: cred.AccessKeyID}, nil
}
