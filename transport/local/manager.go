// This package reaches peers on the local network. Each device announces itself over zeroconf with its peer id
// and the digest of a self-signed certificate, and accepts messages over mutually authenticated HTTPS.
package local

import (
	"bytes"
	"context"
	crypto_rand "crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/grandcat/zeroconf"
	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/ids"
	db "github.com/meow-io/go-meshsync/internal/db"
	"github.com/meow-io/go-meshsync/migration"
	"go.uber.org/zap"
)

const (
	DigestScheme     = "id"
	serviceTypeProto = "_meshsync._tcp"
	peerHeader       = "X-Meshsync-Peer"
	contentType      = "application/x-meshsync"
	maxBodySize      = 64 << 20
)

var (
	ErrUnknownPeer    = errors.New("local: peer not found")
	ErrDigestMismatch = errors.New("local: certificate digest does not match")
)

func NewURL(digest [32]byte) string {
	return fmt.Sprintf("%s:sha-256;%s", DigestScheme, base64.URLEncoding.EncodeToString(digest[:]))
}

func ParseURL(u string) (digest [32]byte, err error) {
	parsedURL, err := url.Parse(u)
	if err != nil {
		return
	}

	if parsedURL.Scheme != DigestScheme {
		err = fmt.Errorf("expected scheme %s, got %s", DigestScheme, parsedURL.Scheme)
		return
	}

	if !strings.HasPrefix(parsedURL.Opaque, "sha-256;") {
		err = fmt.Errorf("expected opaque to start with sha-256;, got %s", parsedURL.Opaque)
		return
	}

	data, err := base64.URLEncoding.DecodeString(parsedURL.Opaque[8:])
	if err != nil {
		return
	}
	if len(data) != 32 {
		err = fmt.Errorf("expected length 32, got %d", len(data))
		return
	}
	copy(digest[:], data)
	return
}

func serviceID(peerID ids.ID) string {
	return peerID.String()
}

type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return nil, err
	}
	if err := tc.SetKeepAlivePeriod(3 * time.Minute); err != nil {
		return nil, err
	}
	return tc, nil
}

// Receiver is called with every message a peer posts.
type Receiver func(peerID ids.ID, body []byte) error

// Entry is what is known about a peer on the local network. A zero Digest means the peer has not been seen
// with a certificate yet.
type Entry struct {
	PeerID ids.ID
	Digest [32]byte
	Addrs  []string
}

type identity struct {
	CertDigest []byte `db:"cert_digest"`
	PrivateDer []byte `db:"private_der"`
	PublicDer  []byte `db:"public_der"`
}

func (i *identity) URL() string {
	return NewURL([32]byte(i.CertDigest))
}

func (i *identity) certificate() (tls.Certificate, error) {
	var out tls.Certificate
	publicCert, err := x509.ParseCertificate(i.PublicDer)
	if err != nil {
		return out, err
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(i.PrivateDer)
	if err != nil {
		return out, err
	}
	out.Certificate = append(out.Certificate, publicCert.Raw)
	out.PrivateKey = privateKey
	return out, nil
}

type Manager struct {
	config   *config.Config
	db       *db.Database
	log      *zap.SugaredLogger
	self     ids.ID
	receiver Receiver
	identity *identity
	cert     *tls.Certificate
	server   *http.Server
	zeroconf *zeroconf.Server
	port     int
	finished sync.WaitGroup

	lock    sync.RWMutex
	entries map[ids.ID]*Entry
	clients map[[32]byte]*http.Client
}

func NewManager(c *config.Config, d *db.Database, self ids.ID, receiver Receiver) (*Manager, error) {
	log := c.Logger("transport/local/manager")

	if err := d.Migrate("_transport_local", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _local_transports (
		cert_digest BLOB PRIMARY KEY,
		private_der BLOB NOT NULL,
		public_der BLOB NOT NULL
	);
						`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return &Manager{
		config:   c,
		db:       d,
		log:      log,
		self:     self,
		receiver: receiver,
		entries:  make(map[ids.ID]*Entry),
		clients:  make(map[[32]byte]*http.Client),
	}, nil
}

func (m *Manager) Start() error {
	if err := m.start(); err != nil {
		return err
	}
	return m.announce()
}

// start loads or creates the certificate and begins serving, without announcing.
func (m *Manager) start() error {
	if err := m.db.Run("ensure a transport", func() error {
		ts, err := m.identities()
		if err != nil {
			return err
		}
		if len(ts) != 0 {
			m.identity = ts[0]
			return nil
		}
		m.identity, err = m.createIdentity()
		return err
	}); err != nil {
		return err
	}

	cert, err := m.identity.certificate()
	if err != nil {
		return err
	}
	m.cert = &cert
	return m.listen(cert)
}

// client returns a client which only completes handshakes with a server presenting the certificate with the
// given digest. A zero digest accepts any certificate.
func (m *Manager) client(digest [32]byte) *http.Client {
	m.lock.Lock()
	defer m.lock.Unlock()
	if c, ok := m.clients[digest]; ok {
		return c
	}
	c := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS13,
				InsecureSkipVerify: true,
				Certificates:       []tls.Certificate{*m.cert},
				VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
					if len(rawCerts) == 0 {
						return errors.New("local: no server certificate")
					}
					if digest != ([32]byte{}) && sha256.Sum256(rawCerts[0]) != digest {
						return ErrDigestMismatch
					}
					return nil
				},
			},
		},
	} // #nosec G402
	m.clients[digest] = c
	return c
}

func (m *Manager) URL() string {
	return m.identity.URL()
}

func (m *Manager) Digest() [32]byte {
	return [32]byte(m.identity.CertDigest)
}

func (m *Manager) Port() int {
	return m.port
}

func (m *Manager) createIdentity() (*identity, error) {
	priv, err := rsa.GenerateKey(crypto_rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	publicDigest := sha256.Sum256(priv.Public().(*rsa.PublicKey).N.Bytes())
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(now.Unix()),
		NotBefore:             now,
		NotAfter:              now.AddDate(100, 0, 0), // Valid for one hundred years
		SubjectKeyId:          publicDigest[:],
		BasicConstraintsValid: true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage: x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}

	cert, err := x509.CreateCertificate(crypto_rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(cert)
	i := &identity{
		CertDigest: digest[:],
		PublicDer:  cert,
		PrivateDer: x509.MarshalPKCS1PrivateKey(priv),
	}
	if _, err := m.db.Tx.NamedExec("INSERT INTO _local_transports (private_der, public_der, cert_digest) VALUES (:private_der, :public_der, :cert_digest)", i); err != nil {
		return nil, fmt.Errorf("local: error inserting local transport: %w", err)
	}
	return i, nil
}

func (m *Manager) identities() ([]*identity, error) {
	var ts []*identity
	if err := m.db.Tx.Select(&ts, "SELECT * FROM _local_transports"); err != nil {
		return nil, fmt.Errorf("local: error getting transports: %w", err)
	}
	return ts, nil
}

func (m *Manager) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/messages", m.handleMessage).Methods(http.MethodPost)
	r.HandleFunc("/ping", m.handlePing).Methods(http.MethodGet)
	return r
}

// authenticate identifies the posting peer by its header and checks its client certificate against the
// digest it announced.
func (m *Manager) authenticate(res http.ResponseWriter, req *http.Request) (ids.ID, bool) {
	if req.TLS == nil || len(req.TLS.PeerCertificates) == 0 {
		res.WriteHeader(http.StatusUnauthorized)
		return ids.Zero, false
	}
	peerID, err := ids.ParseID(req.Header.Get(peerHeader))
	if err != nil {
		m.log.Warnf("bad peer header: %s", err)
		res.WriteHeader(http.StatusBadRequest)
		return ids.Zero, false
	}
	if err := m.verify(peerID, sha256.Sum256(req.TLS.PeerCertificates[0].Raw)); err != nil {
		m.log.Warnf("refusing %s: %s", peerID, err)
		res.WriteHeader(http.StatusForbidden)
		return ids.Zero, false
	}
	return peerID, true
}

func (m *Manager) handleMessage(res http.ResponseWriter, req *http.Request) {
	peerID, ok := m.authenticate(res, req)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize))
	if err != nil {
		m.log.Warnf("error reading body: %s", err)
		res.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := m.receiver(peerID, body); err != nil {
		m.log.Warnf("error while processing message from %s: %s", peerID, err)
		res.WriteHeader(http.StatusBadRequest)
		return
	}
	res.WriteHeader(http.StatusOK)
}

func (m *Manager) handlePing(res http.ResponseWriter, req *http.Request) {
	if _, ok := m.authenticate(res, req); !ok {
		return
	}
	res.WriteHeader(http.StatusOK)
	_, _ = res.Write([]byte(m.self.String()))
}

// verify pins the first certificate digest seen for a peer.
func (m *Manager) verify(peerID ids.ID, digest [32]byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	e, ok := m.entries[peerID]
	if !ok {
		m.entries[peerID] = &Entry{PeerID: peerID, Digest: digest}
		return nil
	}
	if e.Digest == ([32]byte{}) {
		e.Digest = digest
		return nil
	}
	if e.Digest != digest {
		return ErrDigestMismatch
	}
	return nil
}

// Learn records where a peer can be reached. A digest already pinned for the peer is kept.
func (m *Manager) Learn(e Entry) {
	m.lock.Lock()
	defer m.lock.Unlock()
	existing, ok := m.entries[e.PeerID]
	if !ok {
		m.entries[e.PeerID] = &e
		return
	}
	if existing.Digest != ([32]byte{}) && e.Digest != existing.Digest {
		m.log.Warnf("ignoring new digest announced for %s", e.PeerID)
	} else {
		existing.Digest = e.Digest
	}
	if len(e.Addrs) != 0 {
		existing.Addrs = e.Addrs
	}
}

func (m *Manager) entry(peerID ids.ID) (Entry, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	e, ok := m.entries[peerID]
	if !ok || len(e.Addrs) == 0 {
		return Entry{}, false
	}
	return *e, true
}

func (m *Manager) listen(cert tls.Certificate) error {
	config := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientAuth:   tls.RequireAnyClientCert,
		CipherSuites: []uint16{tls.TLS_CHACHA20_POLY1305_SHA256},
		Certificates: []tls.Certificate{cert},
	}

	ln, err := net.Listen("tcp", ":0") // #nosec G102
	if err != nil {
		return err
	}
	m.port = ln.Addr().(*net.TCPAddr).Port
	tlsListener := tls.NewListener(tcpKeepAliveListener{ln.(*net.TCPListener)}, config)

	timeout := time.Duration(m.config.RequestTimeoutMs) * time.Millisecond
	m.server = &http.Server{
		Handler:           m.router(),
		ReadHeaderTimeout: 500 * time.Millisecond,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
	}

	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		if err := m.server.Serve(tlsListener); err != http.ErrServerClosed {
			m.log.Warnf("error serving %s", err)
		}
	}()
	m.log.Debugf("starting a listener on port %d", m.port)
	return nil
}

func (m *Manager) announce() error {
	meta := []string{
		m.identity.URL(),
		m.self.String(),
	}
	service, err := zeroconf.Register(
		serviceID(m.self), // service instance name
		serviceTypeProto,  // service type and protocol
		"local.",          // service domain
		m.port,            // service port
		meta,              // service metadata
		nil,               // register on all network interfaces
	)
	m.log.Debugf("registered %s on port %d, got err %v", serviceID(m.self), m.port, err)
	if err != nil {
		return err
	}
	m.zeroconf = service
	return nil
}

func entryFromService(se *zeroconf.ServiceEntry) (Entry, error) {
	if len(se.Text) < 2 {
		return Entry{}, fmt.Errorf("local: expected 2 text records, got %d", len(se.Text))
	}
	digest, err := ParseURL(se.Text[0])
	if err != nil {
		return Entry{}, err
	}
	peerID, err := ids.ParseID(se.Text[1])
	if err != nil {
		return Entry{}, err
	}
	e := Entry{PeerID: peerID, Digest: digest}
	for _, ip := range se.AddrIPv4 {
		e.Addrs = append(e.Addrs, fmt.Sprintf("https://%s:%d", ip.String(), se.Port))
	}
	for _, ip := range se.AddrIPv6 {
		e.Addrs = append(e.Addrs, fmt.Sprintf("https://[%s]:%d", ip.String(), se.Port))
	}
	return e, nil
}

// lookup resolves a peer that has not been seen by a scan.
func (m *Manager) lookup(ctx context.Context, peerID ids.ID) (Entry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Entry{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(m.config.LookupTimeoutMs)*time.Millisecond)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Lookup(ctx, serviceID(peerID), serviceTypeProto, "local.", entries); err != nil {
		return Entry{}, err
	}
	for {
		select {
		case <-ctx.Done():
			m.log.Debugf("timed out looking up %s", peerID)
			return Entry{}, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
		case se, ok := <-entries:
			if !ok {
				return Entry{}, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
			}
			e, err := entryFromService(se)
			if err != nil || e.PeerID != peerID {
				continue
			}
			m.Learn(e)
			if e, ok := m.entry(peerID); ok {
				return e, nil
			}
		}
	}
}

// Scan browses the local network until ctx is done and returns the peers found.
func (m *Manager) Scan(ctx context.Context) ([]ids.ID, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, serviceTypeProto, "local.", entries); err != nil {
		return nil, err
	}

	scanned := make([]ids.ID, 0)
	for se := range entries {
		e, err := entryFromService(se)
		if err != nil {
			m.log.Debugf("ignoring entry %s: %s", se.Instance, err)
			continue
		}
		if e.PeerID == m.self {
			continue
		}
		m.Learn(e)
		scanned = append(scanned, e.PeerID)
	}
	m.log.Debugf("finished scanning, found %d", len(scanned))
	return scanned, nil
}

func (m *Manager) Send(peerID ids.ID, body []byte) error {
	m.log.Debugf("sending to %s of len %d", peerID, len(body))
	return m.request(context.Background(), peerID, http.MethodPost, "/messages", body)
}

func (m *Manager) Ping(ctx context.Context, peerID ids.ID) error {
	return m.request(ctx, peerID, http.MethodGet, "/ping", nil)
}

func (m *Manager) request(ctx context.Context, peerID ids.ID, method, path string, body []byte) error {
	if m.cert == nil {
		return errors.New("local: not started")
	}
	e, ok := m.entry(peerID)
	if !ok {
		var err error
		if e, err = m.lookup(ctx, peerID); err != nil {
			return err
		}
	}

	var err error
	for _, addr := range e.Addrs {
		if err = m.requestAddr(ctx, e, addr+path, method, body); err == nil {
			return nil
		}
		m.log.Debugf("%s %s%s failed: %s", method, addr, path, err)
	}
	return err
}

func (m *Manager) requestAddr(ctx context.Context, e Entry, to, method string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(m.config.RequestTimeoutMs)*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, to, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-type", contentType)
	req.Header.Add(peerHeader, m.self.String())
	res, err := m.client(e.Digest).Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("local: %s %s returned %d", method, to, res.StatusCode)
	}
	return nil
}

func (m *Manager) Shutdown() error {
	if m.zeroconf != nil {
		m.zeroconf.Shutdown()
		m.zeroconf = nil
	}
	m.lock.RLock()
	for _, c := range m.clients {
		c.CloseIdleConnections()
	}
	m.lock.RUnlock()
	if m.server != nil {
		if err := m.server.Shutdown(context.Background()); err != nil {
			return err
		}
		m.finished.Wait()
		m.server = nil
	}
	return nil
}
