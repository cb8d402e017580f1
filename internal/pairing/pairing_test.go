package pairing

import (
	"net"
	"sync"
	"testing"

	"github.com/tosslabs/toss-core/internal/identity"
)

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestExchangeDerivesMatchingKeys(t *testing.T) {
	advIdentity := newTestIdentity(t)
	searchIdentity := newTestIdentity(t)

	adv := NewCoordinator()
	search := NewCoordinator()

	if _, err := adv.Begin(RoleAdvertiser); err != nil {
		t.Fatal(err)
	}
	advSess, _ := adv.Current()
	if _, err := search.BeginWithCode(advSess.Code); err != nil {
		t.Fatal(err)
	}

	advConn, searchConn := net.Pipe()
	defer advConn.Close()
	defer searchConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var advResult, searchResult *Result
	var advErr, searchErr error

	go func() {
		defer wg.Done()
		advResult, advErr = adv.Exchange(advConn, advIdentity, HelloInfo{
			DeviceID: advIdentity.DeviceID, Name: "adv-device", Platform: 1, SigningKey: advIdentity.Signing.PublicKey,
		})
	}()
	go func() {
		defer wg.Done()
		searchResult, searchErr = search.Exchange(searchConn, searchIdentity, HelloInfo{
			DeviceID: searchIdentity.DeviceID, Name: "search-device", Platform: 2, SigningKey: searchIdentity.Signing.PublicKey,
		})
	}()
	wg.Wait()

	if advErr != nil {
		t.Fatalf("advertiser exchange failed: %v", advErr)
	}
	if searchErr != nil {
		t.Fatalf("searcher exchange failed: %v", searchErr)
	}

	if advResult.PeerDeviceID != searchIdentity.DeviceID {
		t.Fatalf("advertiser saw peer %s, want %s", advResult.PeerDeviceID, searchIdentity.DeviceID)
	}
	if searchResult.PeerDeviceID != advIdentity.DeviceID {
		t.Fatalf("searcher saw peer %s, want %s", searchResult.PeerDeviceID, advIdentity.DeviceID)
	}
	if advResult.DerivedKeys.Session != searchResult.DerivedKeys.Session {
		t.Fatal("derived session keys do not match between sides")
	}
	if adv.State() != StateVerified || search.State() != StateVerified {
		t.Fatalf("expected both sides Verified, got adv=%v search=%v", adv.State(), search.State())
	}
}

func TestBeginTwiceFailsWhileActive(t *testing.T) {
	c := NewCoordinator()
	if _, err := c.Begin(RoleAdvertiser); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Begin(RoleAdvertiser); err != ErrAlreadyActive {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestCancelResetsToIdle(t *testing.T) {
	c := NewCoordinator()
	c.Begin(RoleAdvertiser)
	c.Cancel()
	if c.State() != StateIdle {
		t.Fatalf("State() = %v, want idle", c.State())
	}
	if _, err := c.Begin(RoleAdvertiser); err != nil {
		t.Fatalf("expected Begin to succeed after Cancel, got %v", err)
	}
}

func TestExchangeWithoutActiveSessionFails(t *testing.T) {
	c := NewCoordinator()
	id := newTestIdentity(t)
	advConn, searchConn := net.Pipe()
	defer advConn.Close()
	defer searchConn.Close()

	_, err := c.Exchange(advConn, id, HelloInfo{DeviceID: id.DeviceID, Name: "x"})
	if err != ErrNoActiveSession {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}
