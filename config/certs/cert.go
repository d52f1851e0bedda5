// Package certs builds TLS configurations for the HTTP/3 event transport.
// Production deployments load PEM material from disk; tests and demos use
// Ephemeral to mint a throwaway CA and leaf in memory.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

const alpnH3 = "h3"

// Ephemeral generates an in-memory CA and a server certificate for the given
// hosts, returning matching server and client TLS configs. Nothing touches
// disk; the pair is valid for 24 hours.
func Ephemeral(hosts ...string) (server *tls.Config, client *tls.Config, err error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	caCert, err := newCACertificate(caKey)
	if err != nil {
		return nil, nil, err
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	leafDER, err := newServerCertificate(leafKey, hosts, caCert, caKey)
	if err != nil {
		return nil, nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	leaf := tls.Certificate{
		Certificate: [][]byte{leafDER},
		PrivateKey:  leafKey,
	}
	server = &tls.Config{
		Certificates: []tls.Certificate{leaf},
		NextProtos:   []string{alpnH3},
	}
	client = &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnH3},
		ServerName: hosts[0],
	}
	return server, client, nil
}

// LoadServerTLSConfig loads the server key pair and the CA used to verify
// client certificates. Clients must present a certificate signed by that CA.
func LoadServerTLSConfig(caCertPath, serverCertPath, serverKeyPath string) (*tls.Config, error) {
	serverCert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server key pair: %w", err)
	}
	pool, err := caPool(caCertPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		NextProtos:   []string{alpnH3},
	}, nil
}

// LoadClientTLSConfig loads the client key pair and the CA used to verify
// the server certificate.
func LoadClientTLSConfig(caCertPath, clientCertPath, clientKeyPath string) (*tls.Config, error) {
	clientCert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client key pair: %w", err)
	}
	pool, err := caPool(caCertPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      pool,
		NextProtos:   []string{alpnH3},
	}, nil
}

func caPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no CA certificates in %s", path)
	}
	return pool, nil
}

func newCACertificate(key *ecdsa.PrivateKey) (*x509.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"gojotx ephemeral CA"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func newServerCertificate(key *ecdsa.PrivateKey, hosts []string, caCert *x509.Certificate, caKey *ecdsa.PrivateKey) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hosts[0]},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	// Loopback is always reachable for tests regardless of the host list.
	template.IPAddresses = append(template.IPAddresses, net.ParseIP("127.0.0.1"))

	return x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
}
