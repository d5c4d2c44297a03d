package module

import (
	"bytes"
	stdErrors "errors"
	"testing"

	"AutoExec-Chain/internal/claim"
	xerrors "AutoExec-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	moduleAddr = common.HexToAddress("0x01")
	proxyAddr  = common.HexToAddress("0x02")
	actionAddr = common.HexToAddress("0x03")
)

func validClaim() *claim.ExecClaim {
	return &claim.ExecClaim{
		ProviderModule: moduleAddr,
		UserProxy:      proxyAddr,
		Action:         actionAddr,
		ActionPayload:  hexutil.Bytes{0x01, 0x02, 0x03},
	}
}

func TestRegistryResolve(t *testing.T) {
	registry := NewRegistry()
	m, err := NewUserProxyModule(moduleAddr)
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	registry.Register(m)

	resolved, err := registry.Resolve(moduleAddr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Address() != moduleAddr {
		t.Fatalf("unexpected module address: %s", resolved.Address().Hex())
	}

	if _, err := registry.Resolve(common.HexToAddress("0x99")); !stdErrors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
}

func TestUserProxyExecPayload(t *testing.T) {
	m, err := NewUserProxyModule(moduleAddr)
	if err != nil {
		t.Fatalf("new module: %v", err)
	}

	call, err := m.ExecPayload(validClaim())
	if err != nil {
		t.Fatalf("exec payload: %v", err)
	}
	if call.To != proxyAddr {
		t.Fatalf("call must target the user proxy, got %s", call.To.Hex())
	}

	wantSelector := crypto.Keccak256([]byte("execute(address,bytes)"))[:4]
	if !bytes.Equal(call.Data[:4], wantSelector) {
		t.Fatalf("unexpected selector: %x", call.Data[:4])
	}
}

func TestUserProxyValidateClaim(t *testing.T) {
	m, err := NewUserProxyModule(moduleAddr)
	if err != nil {
		t.Fatalf("new module: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*claim.ExecClaim)
	}{
		{"missing proxy", func(c *claim.ExecClaim) { c.UserProxy = common.Address{} }},
		{"missing action", func(c *claim.ExecClaim) { c.Action = common.Address{} }},
		{"empty payload", func(c *claim.ExecClaim) { c.ActionPayload = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validClaim()
			tc.mutate(c)
			if err := m.ValidateClaim(c); xerrors.CodeOf(err) != CodeInvalidModuleData {
				t.Fatalf("expected invalid module data, got %v", err)
			}
		})
	}

	if err := m.ValidateClaim(validClaim()); err != nil {
		t.Fatalf("valid claim rejected: %v", err)
	}
}

func TestSafeProxyExecPayload(t *testing.T) {
	m, err := NewSafeProxyModule(moduleAddr)
	if err != nil {
		t.Fatalf("new module: %v", err)
	}

	call, err := m.ExecPayload(validClaim())
	if err != nil {
		t.Fatalf("exec payload: %v", err)
	}
	if call.To != proxyAddr {
		t.Fatalf("call must target the safe proxy, got %s", call.To.Hex())
	}
	wantSelector := crypto.Keccak256([]byte("execTransactionFromModule(address,uint256,bytes,uint8)"))[:4]
	if !bytes.Equal(call.Data[:4], wantSelector) {
		t.Fatalf("unexpected selector: %x", call.Data[:4])
	}
}

func TestSafeProxyAllowsEmptyPayload(t *testing.T) {
	m, err := NewSafeProxyModule(moduleAddr)
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	c := validClaim()
	c.ActionPayload = nil
	if err := m.ValidateClaim(c); err != nil {
		t.Fatalf("empty payload must be allowed for safe proxies: %v", err)
	}
	if _, err := m.ExecPayload(c); err != nil {
		t.Fatalf("exec payload with empty data: %v", err)
	}
}
