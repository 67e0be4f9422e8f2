package activitypub

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// Signatures in the Mastodon ecosystem profile: rsa-sha256 over a signing
// string of "(request-target)", "host", "date" and, for POSTs, "digest" and
// "content-type". Dates more than maxClockSkew from our clock are rejected.
const (
	signatureAlgorithm = "rsa-sha256"
	maxClockSkew       = 30 * time.Second
)

// ParsePrivateKey parses a PEM-encoded RSA private key in either PKCS#1 or
// PKCS#8 format.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// ParsePublicKey parses a PEM-encoded RSA public key in either PKIX or
// PKCS#1 format. Older fediverse software still publishes PKCS#1 keys.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return key, nil
}

// SignRequest signs req with the given key, adding Digest and Signature
// headers. The request body, if any, is consumed and restored.
func SignRequest(req *http.Request, key *rsa.PrivateKey, keyID string) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	// The signer reads "host" from the header map, which outgoing requests
	// leave empty.
	if req.Header.Get("Host") == "" {
		host := req.Host
		if host == "" {
			host = req.URL.Host
		}
		req.Header.Set("Host", host)
	}

	headers := []string{httpsig.RequestTarget, "host", "date"}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		headers = append(headers, "digest", "content-type")
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	if err := signer.SignRequest(key, keyID, req, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// SignatureParams is the parsed contents of a Signature header.
type SignatureParams struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

var signatureParamPattern = regexp.MustCompile(`(\w+)\s*=\s*"([^"]*)"`)

// ParseSignatureHeader splits a Signature header into its parameters,
// tolerating whitespace and an absent algorithm. Missing or empty keyId,
// headers, or signature parameters fail with BadFormat.
func ParseSignatureHeader(header string) (*SignatureParams, error) {
	if strings.TrimSpace(header) == "" {
		return nil, sigError(BadFormat, "missing Signature header")
	}

	fields := map[string]string{}
	for _, m := range signatureParamPattern.FindAllStringSubmatch(header, -1) {
		fields[m[1]] = m[2]
	}

	for _, required := range []string{"keyId", "headers", "signature"} {
		if fields[required] == "" {
			return nil, sigError(BadFormat, "missing %s parameter", required)
		}
	}

	raw, err := base64.StdEncoding.DecodeString(fields["signature"])
	if err != nil {
		return nil, sigError(BadFormat, "signature is not valid base64: %v", err)
	}

	return &SignatureParams{
		KeyID:     fields["keyId"],
		Algorithm: fields["algorithm"],
		Headers:   strings.Fields(fields["headers"]),
		Signature: raw,
	}, nil
}

// VerifyRequest verifies the HTTP signature on req against publicPEM and
// returns the signer's actor URI (the keyId without its fragment). Failures
// carry a SignatureError kind.
func VerifyRequest(req *http.Request, publicPEM string) (string, error) {
	params, err := ParseSignatureHeader(req.Header.Get("Signature"))
	if err != nil {
		return "", err
	}

	if params.Algorithm != "" && params.Algorithm != signatureAlgorithm {
		return "", sigError(BadFormat, "unsupported algorithm %q", params.Algorithm)
	}

	signed := map[string]bool{}
	for _, h := range params.Headers {
		signed[strings.ToLower(h)] = true
	}
	for _, required := range []string{httpsig.RequestTarget, "host", "date"} {
		if !signed[required] {
			return "", sigError(BadFormat, "signature does not cover %s", required)
		}
	}

	dateHeader := req.Header.Get("Date")
	sent, err := http.ParseTime(dateHeader)
	if err != nil {
		return "", sigError(BadFormat, "unparseable Date header %q", dateHeader)
	}
	if skew := time.Since(sent); skew > maxClockSkew || skew < -maxClockSkew {
		return "", sigError(ClockSkew, "request dated %s is outside the %s window", dateHeader, maxClockSkew)
	}

	if signed["digest"] {
		if err := verifyDigest(req); err != nil {
			return "", err
		}
	}

	signingString, err := buildSigningString(req, params.Headers)
	if err != nil {
		return "", err
	}

	publicKey, err := ParsePublicKey(publicPEM)
	if err != nil {
		return "", sigError(BadKey, "%v", err)
	}

	hashed := sha256.Sum256([]byte(signingString))
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, hashed[:], params.Signature); err != nil {
		return "", sigError(NotAuthentic, "signature does not verify")
	}

	return strings.SplitN(params.KeyID, "#", 2)[0], nil
}

func verifyDigest(req *http.Request) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return sigError(BadFormat, "failed to read body: %v", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	hash := sha256.Sum256(body)
	expected := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
	if req.Header.Get("Digest") != expected {
		return sigError(DigestMismatch, "Digest header does not match body")
	}
	return nil
}

// buildSigningString reconstructs the signing string in the sender's header
// order.
func buildSigningString(req *http.Request, headers []string) (string, error) {
	lines := make([]string, 0, len(headers))
	for _, name := range headers {
		name = strings.ToLower(name)
		var value string
		switch name {
		case httpsig.RequestTarget:
			value = strings.ToLower(req.Method) + " " + req.URL.RequestURI()
		case "host":
			value = req.Host
			if value == "" {
				value = req.Header.Get("Host")
			}
		default:
			value = req.Header.Get(name)
		}
		lines = append(lines, name+": "+value)
	}
	return strings.Join(lines, "\n"), nil
}
