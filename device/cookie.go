package device

import (
	"crypto/hmac"
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mud-band/mud.band-client-sub000/iface"
	"github.com/mud-band/mud.band-client-sub000/wgcrypto"
)

// CookieChecker is the responder side of the MAC1/MAC2/cookie-reply scheme
// (spec §4.4): it validates MAC1 on every initiation/response, and under
// load additionally demands MAC2 proving the sender recently received a
// cookie bound to its source address.
type CookieChecker struct {
	sync.RWMutex
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		secret        [blake2s.Size]byte
		secretSet     time.Time
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

// CookieGenerator is the initiator side: it stamps MAC1/MAC2 onto outgoing
// messages and unwraps a COOKIE_REPLY into the cookie those MAC2s require.
type CookieGenerator struct {
	sync.RWMutex
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		cookie        [blake2s.Size128]byte
		cookieSet     time.Time
		hasLastMAC1   bool
		lastMAC1      [blake2s.Size128]byte
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

func labelKeys(pk wgcrypto.PublicKey) (mac1Key [blake2s.Size]byte, encKey [chacha20poly1305.KeySize]byte) {
	wgcrypto.Blake2sHash(&mac1Key, []byte(WGLabelMAC1), pk[:])
	wgcrypto.Blake2sHash(&encKey, []byte(WGLabelCookie), pk[:])
	return
}

func (st *CookieChecker) Init(pk wgcrypto.PublicKey) {
	st.Lock()
	defer st.Unlock()
	st.mac1.key, st.mac2.encryptionKey = labelKeys(pk)
	st.mac2.secretSet = time.Time{}
}

// CheckMAC1 verifies the mandatory first MAC on a message: a keyed hash
// over everything before it, covering both INITIATION and RESPONSE.
func (st *CookieChecker) CheckMAC1(msg []byte) bool {
	st.RLock()
	defer st.RUnlock()

	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	var mac1 [blake2s.Size128]byte
	wgcrypto.Blake2sMAC128(&mac1, st.mac1.key[:], msg[:smac1])
	return hmac.Equal(mac1[:], msg[smac1:smac2])
}

// CheckMAC2 verifies the under-load MAC, which is keyed by a cookie bound
// to src (spec §4.4's "cookie derived from cookie_secret + source IP/port").
// It fails closed whenever the secret has aged past CookieRefreshTime.
func (st *CookieChecker) CheckMAC2(msg []byte, src []byte) bool {
	st.RLock()
	defer st.RUnlock()

	if time.Since(st.mac2.secretSet) > CookieRefreshTime {
		return false
	}

	var cookie [blake2s.Size128]byte
	wgcrypto.Blake2sMAC128(&cookie, st.mac2.secret[:], src)

	smac2 := len(msg) - blake2s.Size128
	var mac2 [blake2s.Size128]byte
	wgcrypto.Blake2sMAC128(&mac2, cookie[:], msg[:smac2])
	return hmac.Equal(mac2[:], msg[smac2:])
}

// CreateReply builds a COOKIE_REPLY for a sender at src whose initiation we
// are rejecting for lack of a valid MAC2: an AEAD-sealed cookie keyed by
// this device's rotating secret, bound as associated data to the sender's
// own MAC1 so the reply can only satisfy the initiation it answers.
func (st *CookieChecker) CreateReply(msg []byte, recv uint32, src []byte) (*MessageCookieReply, error) {
	st.RLock()
	if time.Since(st.mac2.secretSet) > CookieRefreshTime {
		st.RUnlock()
		st.Lock()
		if _, err := rand.Read(st.mac2.secret[:]); err != nil {
			st.Unlock()
			return nil, err
		}
		st.mac2.secretSet = time.Now()
		st.Unlock()
		st.RLock()
	}

	var cookie [blake2s.Size128]byte
	wgcrypto.Blake2sMAC128(&cookie, st.mac2.secret[:], src)

	size := len(msg)
	smac2 := size - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	reply := new(MessageCookieReply)
	reply.Type = MessageCookieReplyType
	reply.Receiver = recv

	if _, err := rand.Read(reply.Nonce[:]); err != nil {
		st.RUnlock()
		return nil, err
	}

	xchapoly, _ := chacha20poly1305.NewX(st.mac2.encryptionKey[:])
	xchapoly.Seal(reply.Cookie[:0], reply.Nonce[:], cookie[:], msg[smac1:smac2])
	st.RUnlock()
	return reply, nil
}

func (st *CookieGenerator) Init(pk wgcrypto.PublicKey) {
	st.Lock()
	defer st.Unlock()
	st.mac1.key, st.mac2.encryptionKey = labelKeys(pk)
	st.mac2.cookieSet = time.Time{}
}

// ConsumeReply unwraps an incoming COOKIE_REPLY, installing the cookie it
// carries for use in this generator's next AddMacs call.
func (st *CookieGenerator) ConsumeReply(msg *MessageCookieReply) bool {
	st.Lock()
	defer st.Unlock()

	if !st.mac2.hasLastMAC1 {
		return false
	}

	var cookie [blake2s.Size128]byte
	xchapoly, _ := chacha20poly1305.NewX(st.mac2.encryptionKey[:])
	if _, err := xchapoly.Open(cookie[:0], msg.Nonce[:], msg.Cookie[:], st.mac2.lastMAC1[:]); err != nil {
		return false
	}

	st.mac2.cookieSet = time.Now()
	st.mac2.cookie = cookie
	return true
}

// AddMacs stamps MAC1 unconditionally and MAC2 whenever a non-stale cookie
// is installed, writing both into the trailing 32 bytes of msg in place.
func (st *CookieGenerator) AddMacs(msg []byte) {
	size := len(msg)
	smac2 := size - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	mac1 := msg[smac1:smac2]
	mac2 := msg[smac2:]

	st.Lock()
	defer st.Unlock()

	wgcrypto.Blake2sMAC128((*[blake2s.Size128]byte)(mac1), st.mac1.key[:], msg[:smac1])
	copy(st.mac2.lastMAC1[:], mac1)
	st.mac2.hasLastMAC1 = true

	if time.Since(st.mac2.cookieSet) > CookieRefreshTime {
		return
	}
	wgcrypto.Blake2sMAC128((*[blake2s.Size128]byte)(mac2), st.mac2.cookie[:], msg[:smac2])
}

// addrBytes packs an iface.Addr into the byte string CheckMAC2/CreateReply
// bind a cookie to: the raw address bytes followed by the big-endian port,
// so distinct ports on the same host get distinct cookies.
func addrBytes(a iface.Addr) []byte {
	ip := a.IP.As4()
	return []byte{ip[0], ip[1], ip[2], ip[3], byte(a.Port >> 8), byte(a.Port)}
}
