package nostr

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"bitmesh/internal/identity"
)

func TestEventSignVerify(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	ev := &Event{
		CreatedAt: 1_733_251_200,
		Kind:      KindRumor,
		Tags:      [][]string{{"p", "abcd"}},
		Content:   "hello",
	}
	if err := ev.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if ev.ID == "" || ev.Sig == "" || ev.PubKey == "" {
		t.Fatalf("incomplete signed event: %+v", ev)
	}
	if err := ev.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := *ev
	tampered.Content = "bye"
	if err := tampered.Verify(); err == nil {
		t.Fatalf("tampered content accepted")
	}
	badSig := *ev
	badSig.Sig = badSig.Sig[:len(badSig.Sig)-2] + "00"
	if err := badSig.Verify(); err == nil {
		t.Fatalf("tampered signature accepted")
	}
}

func TestEventIDDeterministic(t *testing.T) {
	ev := &Event{PubKey: "aa", CreatedAt: 5, Kind: 1, Content: "x"}
	a, err := ev.ComputeID()
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	b, err := ev.ComputeID()
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	if a != b {
		t.Fatalf("id not deterministic")
	}
}

func TestFilterMatches(t *testing.T) {
	ev := &Event{
		PubKey:    "author1",
		CreatedAt: 100,
		Kind:      KindGiftWrap,
		Tags:      [][]string{{"p", "rcpt1"}},
	}
	cases := []struct {
		f    Filter
		want bool
	}{
		{Filter{}, true},
		{Filter{Kinds: []int{KindGiftWrap}}, true},
		{Filter{Kinds: []int{KindRumor}}, false},
		{Filter{Authors: []string{"author1"}}, true},
		{Filter{Authors: []string{"someone"}}, false},
		{Filter{PTags: []string{"rcpt1"}}, true},
		{Filter{PTags: []string{"rcpt2"}}, false},
		{Filter{Since: 50}, true},
		{Filter{Since: 200}, false},
		{Filter{Kinds: []int{KindGiftWrap}, PTags: []string{"rcpt1"}, Since: 99}, true},
	}
	for i, c := range cases {
		if got := c.f.Matches(ev); got != c.want {
			t.Fatalf("case %d: got %v want %v", i, got, c.want)
		}
	}
}

func TestGiftWrapRoundTrip(t *testing.T) {
	alice, err := identity.Generate("alice")
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	bob, err := identity.Generate("bob")
	if err != nil {
		t.Fatalf("bob: %v", err)
	}

	payload := []byte("wrapped dm payload")
	wrap, err := GiftWrap(payload, &alice.Nostr, bob.Nostr.PublicKeyHex(), bob.Nostr.DHPub)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if wrap.Kind != KindGiftWrap {
		t.Fatalf("wrap kind %d", wrap.Kind)
	}
	if wrap.PubKey == alice.Nostr.PublicKeyHex() {
		t.Fatalf("outer event signed by the sender's long-term key")
	}
	if err := wrap.Verify(); err != nil {
		t.Fatalf("wrap signature: %v", err)
	}
	if p, _ := wrap.TagValue("p"); p != bob.Nostr.PublicKeyHex() {
		t.Fatalf("recipient tag %q", p)
	}

	out, sender, err := GiftUnwrap(wrap, &bob.Nostr)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("payload mismatch: %q", out)
	}
	if sender != alice.Nostr.PublicKeyHex() {
		t.Fatalf("sender %q, want alice", sender)
	}
}

func TestGiftWrapEphemeralPerMessage(t *testing.T) {
	alice, _ := identity.Generate("alice")
	bob, _ := identity.Generate("bob")
	w1, err := GiftWrap([]byte("one"), &alice.Nostr, bob.Nostr.PublicKeyHex(), bob.Nostr.DHPub)
	if err != nil {
		t.Fatalf("wrap1: %v", err)
	}
	w2, err := GiftWrap([]byte("two"), &alice.Nostr, bob.Nostr.PublicKeyHex(), bob.Nostr.DHPub)
	if err != nil {
		t.Fatalf("wrap2: %v", err)
	}
	if w1.PubKey == w2.PubKey {
		t.Fatalf("outer key reused across messages")
	}
}

func TestGiftUnwrapWrongRecipient(t *testing.T) {
	alice, _ := identity.Generate("alice")
	bob, _ := identity.Generate("bob")
	eve, _ := identity.Generate("eve")
	wrap, err := GiftWrap([]byte("secret"), &alice.Nostr, bob.Nostr.PublicKeyHex(), bob.Nostr.DHPub)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, _, err := GiftUnwrap(wrap, &eve.Nostr); err != ErrNotForUs {
		t.Fatalf("want ErrNotForUs, got %v", err)
	}
}
