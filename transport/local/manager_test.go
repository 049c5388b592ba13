package local

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-meshsync/config"
	"github.com/meow-io/go-meshsync/ids"
	"github.com/meow-io/go-meshsync/internal/db"
	"github.com/meow-io/go-meshsync/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type received struct {
	peerID ids.ID
	body   []byte
}

type testManager struct {
	manager  *Manager
	db       *db.Database
	id       ids.ID
	messages chan *received
}

type testManagerMaker struct {
	managers []*testManager
}

func (tmm *testManagerMaker) teardown() {
	for _, tm := range tmm.managers {
		if err := tm.manager.Shutdown(); err != nil {
			panic(err)
		}
		if err := tm.db.Shutdown(); err != nil {
			panic(err)
		}
	}
}

// AddManager starts a manager that serves but does not announce itself.
func (tmm *testManagerMaker) AddManager(prefix string) *testManager {
	messages := make(chan *received, 100)
	c := config.NewConfig(config.WithLoggingPrefix(prefix), config.WithRequestTimeoutMs(2000))
	d := test.NewTestDatabase(c)
	id := ids.NewID()
	manager, err := NewManager(c, d, id, func(peerID ids.ID, body []byte) error {
		if string(body) == "reject" {
			return fmt.Errorf("rejected")
		}
		messages <- &received{peerID, body}
		return nil
	})
	if err != nil {
		panic(err)
	}
	if err := manager.start(); err != nil {
		panic(err)
	}
	tm := &testManager{manager, d, id, messages}
	tmm.managers = append(tmm.managers, tm)
	return tm
}

func (tm *testManager) entry() Entry {
	return Entry{
		PeerID: tm.id,
		Digest: tm.manager.Digest(),
		Addrs:  []string{fmt.Sprintf("https://127.0.0.1:%d", tm.manager.Port())},
	}
}

func TestURLRoundTrip(t *testing.T) {
	require := require.New(t)

	var digest [32]byte
	for i := range digest {
		digest[i] = byte(i)
	}
	parsed, err := ParseURL(NewURL(digest))
	require.Nil(err)
	require.Equal(digest, parsed)

	_, err = ParseURL("https:sha-256;AAAA")
	require.NotNil(err)
	_, err = ParseURL("id:sha-256;AAAA")
	require.NotNil(err)
}

func TestSendBetweenManagers(t *testing.T) {
	require := require.New(t)
	tmm := &testManagerMaker{}
	defer tmm.teardown()

	m1 := tmm.AddManager("m1")
	m2 := tmm.AddManager("m2")
	m1.manager.Learn(m2.entry())

	require.Nil(m1.manager.Send(m2.id, []byte("hello")))
	select {
	case r := <-m2.messages:
		require.Equal(m1.id, r.peerID)
		require.Equal([]byte("hello"), r.body)
	case <-time.After(5 * time.Second):
		require.FailNow("message not received")
	}

	require.Nil(m1.manager.Ping(context.Background(), m2.id))
	require.NotNil(m1.manager.Send(m2.id, []byte("reject")))
}

func TestIdentityPersists(t *testing.T) {
	require := require.New(t)
	tmm := &testManagerMaker{}
	defer tmm.teardown()

	m1 := tmm.AddManager("m1")
	digest := m1.manager.Digest()
	require.Nil(m1.manager.Shutdown())
	require.Nil(m1.manager.start())
	require.Equal(digest, m1.manager.Digest())
}

func TestServerDigestMismatch(t *testing.T) {
	require := require.New(t)
	tmm := &testManagerMaker{}
	defer tmm.teardown()

	m1 := tmm.AddManager("m1")
	m2 := tmm.AddManager("m2")

	// m1 expects a different certificate for m2
	e := m2.entry()
	e.Digest[0] ^= 0xff
	m1.manager.Learn(e)
	require.NotNil(m1.manager.Send(m2.id, []byte("hello")))
	require.Len(m2.messages, 0)
}

func TestClientDigestMismatch(t *testing.T) {
	require := require.New(t)
	tmm := &testManagerMaker{}
	defer tmm.teardown()

	m1 := tmm.AddManager("m1")
	m2 := tmm.AddManager("m2")
	m3 := tmm.AddManager("m3")

	// m2 pinned m1 under another certificate
	m2.manager.Learn(Entry{PeerID: m1.id, Digest: m3.manager.Digest()})
	m1.manager.Learn(m2.entry())
	require.NotNil(m1.manager.Send(m2.id, []byte("hello")))
	require.NotNil(m1.manager.Ping(context.Background(), m2.id))
	require.Len(m2.messages, 0)
}
