package chain

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func TestParseSignature_ZeroArg(t *testing.T) {
	sig, err := ParseSignature("paused()")
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	if sig.Name != "paused" || len(sig.Types) != 0 {
		t.Fatalf("unexpected parse result %#v", sig)
	}
	if sig.Canonical() != "paused()" {
		t.Fatalf("unexpected canonical form %q", sig.Canonical())
	}
}

func TestParseSignature_TypedArgs(t *testing.T) {
	sig, err := ParseSignature("setFeeds(uint256, address, bool, address[])")
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	if len(sig.Types) != 4 {
		t.Fatalf("expected 4 parsed types, got %d", len(sig.Types))
	}
	if sig.Canonical() != "setFeeds(uint256,address,bool,address[])" {
		t.Fatalf("unexpected canonical form %q", sig.Canonical())
	}
}

func TestParseSignature_RejectsUnsupportedType(t *testing.T) {
	if _, err := ParseSignature("setRate(uint128)"); err == nil {
		t.Fatal("expected error for unsupported solidity type")
	}
}

func TestParseSignature_RejectsMalformed(t *testing.T) {
	cases := []string{"noParens", "missingClose(uint256", ""}
	for _, c := range cases {
		if _, err := ParseSignature(c); err == nil {
			t.Fatalf("expected error for malformed signature %q", c)
		}
	}
}

func TestEncodeCall_MismatchedParameterCount(t *testing.T) {
	sig, err := ParseSignature("setFeeds(uint256,address)")
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	_, err = EncodeCall(sig, []EncodedParameter{{Value: "1", SolidityType: "uint256"}})
	if err == nil {
		t.Fatal("expected error for mismatched parameter count")
	}
}

func TestEncodeCall_EncodesTypedParameters(t *testing.T) {
	sig, err := ParseSignature("setThreshold(uint256,address,bool,address[])")
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	params := []EncodedParameter{
		{Value: "100", SolidityType: "uint256"},
		{Value: "0x0000000000000000000000000000000000000001", SolidityType: "address"},
		{Value: "true", SolidityType: "bool"},
		{Value: "0x0000000000000000000000000000000000000001,0x0000000000000000000000000000000000000002", SolidityType: "address[]"},
	}
	calldata, err := EncodeCall(sig, params)
	if err != nil {
		t.Fatalf("EncodeCall() error = %v", err)
	}
	if len(calldata) <= 4 {
		t.Fatal("expected calldata beyond the selector")
	}
}

func TestEncodeCall_RejectsInvalidValue(t *testing.T) {
	sig, err := ParseSignature("setThreshold(uint256)")
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	if _, err := EncodeCall(sig, []EncodedParameter{{Value: "not-a-number", SolidityType: "uint256"}}); err == nil {
		t.Fatal("expected error for non-numeric uint256 value")
	}
}

func TestDecodeBoolProperty(t *testing.T) {
	packed, err := (abi.Arguments{{Type: boolType}}).Pack(true)
	if err != nil {
		t.Fatalf("pack fixture: %v", err)
	}
	got, err := DecodeBoolProperty(packed)
	if err != nil {
		t.Fatalf("DecodeBoolProperty() error = %v", err)
	}
	if !got {
		t.Fatal("expected true")
	}
}
