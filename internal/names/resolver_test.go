package names

import (
	"context"
	"math/big"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

func TestIsNameFormat(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"alice.eth", true},
		{".eth", true},
		{"sub.alice.eth", true},
		{"alice.ETH", false},
		{"eth", false},
		{"", false},
		{"alice.eth ", false},
		{"0x52908400098527886E0F7030069857D2E4169EE7", false},
	}
	for _, tc := range cases {
		if got := IsNameFormat(tc.value); got != tc.want {
			t.Fatalf("IsNameFormat(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestNamehashKnownVectors(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"", "0x0000000000000000000000000000000000000000000000000000000000000000"},
		{"eth", "0x93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae"},
		{"foo.eth", "0xde9b09fd7c5f901e23a3f19fecc54828e9c848539801e86591bd9801b019f84f"},
	}
	for _, tc := range cases {
		if got := Namehash(tc.name); got != common.HexToHash(tc.want) {
			t.Fatalf("Namehash(%q) = %s, want %s", tc.name, got.Hex(), tc.want)
		}
	}
}

func TestNamehashDeepName(t *testing.T) {
	// A deeper name must fold one more label onto the parent's node.
	parent := Namehash("alice.eth")
	child := Namehash("pay.alice.eth")
	if child == parent {
		t.Fatal("child node must differ from parent node")
	}
	if child == (common.Hash{}) {
		t.Fatal("child node must not be zero")
	}
}

func TestParseHexAddress(t *testing.T) {
	valid := "0x52908400098527886E0F7030069857D2E4169EE7"
	addr := ParseHexAddress(valid)
	if addr == (common.Address{}) {
		t.Fatal("valid address parsed to the sentinel")
	}
	if got := ParseHexAddress("0x52908400098527886e0f7030069857d2e4169ee7"); got != addr {
		t.Fatal("hex parsing must be case-insensitive")
	}

	invalid := []string{
		"",
		"0x",
		"52908400098527886E0F7030069857D2E4169EE7",
		"0x52908400098527886E0F7030069857D2E4169EE",
		"0x52908400098527886E0F7030069857D2E4169EE77",
		"0xZZ908400098527886E0F7030069857D2E4169EE7",
	}
	for _, value := range invalid {
		if got := ParseHexAddress(value); got != (common.Address{}) {
			t.Fatalf("ParseHexAddress(%q) = %s, want sentinel", value, got.Hex())
		}
	}
}

// fakeCaller answers every eth_call with a fixed ABI-encoded address.
type fakeCaller struct {
	answer common.Address
	calls  int
	fail   bool
}

func (f *fakeCaller) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x1}, nil
}

func (f *fakeCaller) CallContract(_ context.Context, _ gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	return common.LeftPadBytes(f.answer.Bytes(), 32), nil
}

func TestResolveOffListChainReturnsSentinel(t *testing.T) {
	caller := &fakeCaller{answer: common.HexToAddress("0x1111111111111111111111111111111111111111")}
	resolver := NewResolver(42, common.HexToAddress("0x2222222222222222222222222222222222222222"), caller)

	if got := resolver.Resolve(context.Background(), "alice.eth"); got != (common.Address{}) {
		t.Fatalf("off-list chain resolved to %s, want sentinel", got.Hex())
	}
	if caller.calls != 0 {
		t.Fatalf("off-list chain must not touch the registry, saw %d calls", caller.calls)
	}
}

func TestResolveNeverReturnsError(t *testing.T) {
	registry := common.HexToAddress("0x2222222222222222222222222222222222222222")

	// Faulted lookups land on the sentinel.
	failing := &fakeCaller{fail: true}
	resolver := NewResolver(1, registry, failing)
	if got := resolver.Resolve(context.Background(), "alice.eth"); got != (common.Address{}) {
		t.Fatalf("faulted lookup resolved to %s, want sentinel", got.Hex())
	}

	// A nil caller short-circuits.
	if got := NewResolver(1, registry, nil).Resolve(context.Background(), "alice.eth"); got != (common.Address{}) {
		t.Fatalf("nil caller resolved to %s, want sentinel", got.Hex())
	}

	// An unregistered node (registry answers zero) stays the sentinel.
	unregistered := &fakeCaller{}
	resolver = NewResolver(1, registry, unregistered)
	if got := resolver.Resolve(context.Background(), "nobody.eth"); got != (common.Address{}) {
		t.Fatalf("unregistered name resolved to %s, want sentinel", got.Hex())
	}
	if unregistered.calls != 1 {
		t.Fatalf("expected resolution to stop at the registry, saw %d calls", unregistered.calls)
	}
}

func TestResolveHappyPath(t *testing.T) {
	bound := common.HexToAddress("0x3333333333333333333333333333333333333333")
	caller := &fakeCaller{answer: bound}
	resolver := NewResolver(11155111, common.HexToAddress("0x2222222222222222222222222222222222222222"), caller)

	if got := resolver.Resolve(context.Background(), "alice.eth"); got != bound {
		t.Fatalf("resolved to %s, want %s", got.Hex(), bound.Hex())
	}
	if caller.calls != 2 {
		t.Fatalf("expected registry then resolver lookups, saw %d calls", caller.calls)
	}
}

func TestResolveIdentifier(t *testing.T) {
	bound := common.HexToAddress("0x3333333333333333333333333333333333333333")
	resolver := NewResolver(1, common.HexToAddress("0x2222222222222222222222222222222222222222"), &fakeCaller{answer: bound})

	if got := resolver.ResolveIdentifier(context.Background(), "alice.eth"); got != bound {
		t.Fatalf("name identifier resolved to %s, want %s", got.Hex(), bound.Hex())
	}
	raw := "0x52908400098527886E0F7030069857D2E4169EE7"
	if got := resolver.ResolveIdentifier(context.Background(), raw); got != common.HexToAddress(raw) {
		t.Fatalf("hex identifier resolved to %s", got.Hex())
	}
	if got := resolver.ResolveIdentifier(context.Background(), "not an address"); got != (common.Address{}) {
		t.Fatalf("garbage identifier resolved to %s, want sentinel", got.Hex())
	}
}
