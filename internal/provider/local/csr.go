package local

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"net"
	"strings"

	"github.com/danmuck/echoctl/internal/provider"
)

// DefaultCapabilities are granted to every CSR this provider emits.
var DefaultCapabilities = []string{"provider::messaging", "provider::sessions"}

// createCSR signs a PEM certificate request for dn. Addresses that parse as
// IPs become IP SANs; the rest become DNS SANs.
func createCSR(dn provider.DistinguishedName, addresses []string, priv ed25519.PrivateKey) (string, error) {
	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: dn.CommonName},
	}
	if dn.Organization != "" {
		tmpl.Subject.Organization = []string{dn.Organization}
	}
	if dn.OrganizationalUnit != "" {
		tmpl.Subject.OrganizationalUnit = []string{dn.OrganizationalUnit}
	}
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if ip := net.ParseIP(addr); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
			continue
		}
		tmpl.DNSNames = append(tmpl.DNSNames, addr)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, priv)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), nil
}
