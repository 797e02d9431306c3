// Package identity owns the server's long-lived credentials: the API key, the
// self-signed TLS certificate and key, and the certificate fingerprint that
// clients pin. Artifacts live as api_key, cert.pem and key.pem in the data
// directory; if any of the three is missing or invalid, all three are
// regenerated together so they can never drift apart.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BYTEDz/PCLink/internal/fsatomic"
)

const (
	apiKeyFile = "api_key"
	certFile   = "cert.pem"
	keyFile    = "key.pem"

	certValidity = 10 * 365 * 24 * time.Hour
)

// Error is the typed fatal error surfaced when credentials cannot be
// produced. Startup must not continue past it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "identity: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Store holds the loaded ServerIdentity and regenerates parts on demand.
type Store struct {
	dir string

	mu     sync.RWMutex
	apiKey string
	cert   tls.Certificate
	leaf   *x509.Certificate
}

// LoadOrInit loads api_key/cert.pem/key.pem from dir, validating each. Any
// missing or broken artifact regenerates the full set atomically.
func LoadOrInit(dir string) (*Store, error) {
	s := &Store{dir: dir}
	if err := s.loadExisting(); err == nil {
		return s, nil
	}
	if err := s.regenerate(true); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadExisting() error {
	keyBytes, err := os.ReadFile(filepath.Join(s.dir, apiKeyFile))
	if err != nil {
		return err
	}
	apiKey := strings.TrimSpace(string(keyBytes))
	if len(apiKey) != 32 {
		return fmt.Errorf("api key has wrong length %d", len(apiKey))
	}
	if _, err := hex.DecodeString(apiKey); err != nil {
		return fmt.Errorf("api key not hex: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(filepath.Join(s.dir, certFile), filepath.Join(s.dir, keyFile))
	if err != nil {
		return err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return err
	}
	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return fmt.Errorf("certificate outside validity window")
	}
	s.mu.Lock()
	s.apiKey, s.cert, s.leaf = apiKey, cert, leaf
	s.mu.Unlock()
	return nil
}

// regenerate creates a fresh key pair, certificate and (optionally) API key,
// writing each artifact with temp-and-rename.
func (s *Store) regenerate(withAPIKey bool) error {
	certPEM, keyPEM, err := selfSigned()
	if err != nil {
		return &Error{Op: "generate certificate", Err: err}
	}
	if err := fsatomic.SaveBytes(filepath.Join(s.dir, certFile), certPEM, 0o644); err != nil {
		return &Error{Op: "write cert.pem", Err: err}
	}
	if err := fsatomic.SaveBytes(filepath.Join(s.dir, keyFile), keyPEM, 0o600); err != nil {
		return &Error{Op: "write key.pem", Err: err}
	}
	if withAPIKey {
		if _, err := s.writeNewAPIKey(); err != nil {
			return err
		}
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return &Error{Op: "load generated pair", Err: err}
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return &Error{Op: "parse generated cert", Err: err}
	}
	s.mu.Lock()
	s.cert, s.leaf = cert, leaf
	s.mu.Unlock()
	return nil
}

func (s *Store) writeNewAPIKey() (string, error) {
	key, err := NewToken()
	if err != nil {
		return "", &Error{Op: "generate api key", Err: err}
	}
	if err := fsatomic.SaveBytes(filepath.Join(s.dir, apiKeyFile), []byte(key+"\n"), 0o600); err != nil {
		return "", &Error{Op: "write api_key", Err: err}
	}
	s.mu.Lock()
	s.apiKey = key
	s.mu.Unlock()
	return key, nil
}

// NewToken returns a fresh opaque 128-bit token as 32 lowercase hex chars.
// Used for the server API key and for per-device keys.
func NewToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// APIKey returns the current server API key.
func (s *Store) APIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.apiKey
}

// RotateAPIKey replaces the server API key. By policy every outstanding device
// key is invalidated alongside it; the caller clears the registry and
// broadcasts server_status. TLS material is untouched.
func (s *Store) RotateAPIKey() (string, error) {
	return s.writeNewAPIKey()
}

// Certificate returns the TLS certificate for the listener.
func (s *Store) Certificate() tls.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cert
}

// Fingerprint recomputes the lowercase hex SHA-256 of the DER certificate.
// It reads the in-memory leaf, which is replaced on every file write, so the
// value always reflects the certificate currently on disk.
func (s *Store) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := sha256.Sum256(s.leaf.Raw)
	return hex.EncodeToString(sum[:])
}

func selfSigned() (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "pclink"
	}
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hostname, Organization: []string{"PCLink"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{hostname, "localhost"},
		IPAddresses:           sanAddresses(),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// sanAddresses enumerates loopback plus every non-loopback IPv4 on a physical
// interface. Virtual interfaces (docker bridges, VPN taps, VM nets) would put
// unroutable addresses in the SAN list and are skipped.
func sanAddresses() []net.IP {
	ips := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	ifaces, err := net.Interfaces()
	if err != nil {
		return ips
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || virtualInterface(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			if v4 := ipnet.IP.To4(); v4 != nil {
				ips = append(ips, v4)
			}
		}
	}
	return ips
}

var virtualPrefixes = []string{"tap", "tun", "docker", "vmnet", "veth", "br-", "virbr", "vboxnet"}

func virtualInterface(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
