package relay

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
)

const (
	pemCSRType = "CERTIFICATE REQUEST"
	csrPrefix  = "CSR: "
	capsPrefix = "CAPS: "
)

// ParseCSRFile reads the "CSR: <pem>" / "CAPS: <json list>" file written
// when a key store is provisioned.
func ParseCSRFile(data []byte) (EnrollRequest, error) {
	text := strings.TrimSpace(string(data))
	idx := strings.LastIndex(text, "\n"+capsPrefix)
	if !strings.HasPrefix(text, csrPrefix) || idx < 0 {
		return EnrollRequest{}, fmt.Errorf("%w: csr file needs CSR and CAPS lines", ErrBadRequest)
	}
	req := EnrollRequest{CSR: strings.TrimSpace(text[len(csrPrefix):idx])}
	caps := strings.TrimSpace(text[idx+1+len(capsPrefix):])
	if err := json.Unmarshal([]byte(caps), &req.Capabilities); err != nil {
		return EnrollRequest{}, fmt.Errorf("%w: caps: %v", ErrBadRequest, err)
	}
	return req, nil
}

// ParseEnrollment verifies the CSR signature and returns the identity it
// requests: alias from the subject common name, key from the CSR.
func ParseEnrollment(req EnrollRequest) (Identity, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(req.CSR)))
	if block == nil || block.Type != pemCSRType {
		return Identity{}, fmt.Errorf("%w: csr is not a PEM certificate request", ErrBadRequest)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: parse csr: %v", ErrBadRequest, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return Identity{}, fmt.Errorf("%w: csr signature: %v", ErrBadRequest, err)
	}
	pub, ok := csr.PublicKey.(ed25519.PublicKey)
	if !ok {
		return Identity{}, fmt.Errorf("%w: csr key must be ed25519", ErrBadRequest)
	}
	alias := strings.TrimSpace(csr.Subject.CommonName)
	if alias == "" || strings.ContainsAny(alias, "/ \t") {
		return Identity{}, fmt.Errorf("%w: invalid common name %q", ErrBadRequest, alias)
	}
	return Identity{
		Alias:        alias,
		PublicKey:    append([]byte(nil), pub...),
		Capabilities: normalizeCapabilities(req.Capabilities),
	}, nil
}

func normalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	seen := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
