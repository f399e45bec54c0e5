package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"cryptofiat/native/peg"
	"cryptofiat/services/pegd/server"
)

func TestDigestMatchesRateUpdateHash(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"digest", "--currency", "cusd", "--rate", "20000", "--nonce", "7"}, &out))
	want, err := peg.RateUpdate{Currency: peg.USD, Rate: 20000, Nonce: 7}.Hash()
	require.NoError(t, err)
	require.Equal(t, hexutil.Encode(want), strings.TrimSpace(out.String()))
}

func TestDigestRejectsInvalidRate(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"digest", "--currency", "EUR", "--rate", "0"}, &out)
	require.ErrorIs(t, err, peg.ErrInvalidRate)
}

func TestKeygenAndSignRate(t *testing.T) {
	t.Setenv(defaultPassEnv, "operator-pass")
	path := filepath.Join(t.TempDir(), "admin.keystore")

	var out bytes.Buffer
	require.NoError(t, run([]string{"keygen", "--keystore", path, "--light-scrypt"}, &out))
	addr := common.HexToAddress(strings.TrimSpace(out.String()))
	require.NotEqual(t, common.Address{}, addr)

	require.Error(t, run([]string{"keygen", "--keystore", path, "--light-scrypt"}, &bytes.Buffer{}))

	out.Reset()
	require.NoError(t, run([]string{"address", "--keystore", path}, &out))
	require.Equal(t, addr.Hex(), strings.TrimSpace(out.String()))

	out.Reset()
	require.NoError(t, run([]string{"sign-rate", "--keystore", path, "--currency", "EUR", "--rate", "21000", "--nonce", "3"}, &out))
	var body signedRateBody
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	require.Equal(t, int64(21000), body.Rate)
	require.Equal(t, uint64(3), body.Nonce)
	sig, err := hexutil.Decode(body.Signature)
	require.NoError(t, err)
	signer, err := peg.RecoverRateUpdateSigner(peg.RateUpdate{Currency: peg.EUR, Rate: 21000, Nonce: 3}, sig)
	require.NoError(t, err)
	require.Equal(t, addr, signer)
}

func TestInvestorToken(t *testing.T) {
	t.Setenv(defaultSecretEnv, "shared")
	investor := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	var out bytes.Buffer
	require.NoError(t, run([]string{"investor-token", "--investor", investor.Hex(), "--audience", "pegd"}, &out))

	auth, err := server.NewInvestorAuthenticator(server.InvestorAuthConfig{Secret: "shared", Audience: "pegd"}, nil)
	require.NoError(t, err)
	got, err := auth.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.Equal(t, investor, got)
}

func TestUnknownCommand(t *testing.T) {
	require.Error(t, run([]string{"frobnicate"}, &bytes.Buffer{}))
	require.Error(t, run(nil, &bytes.Buffer{}))
	require.NoError(t, run([]string{"help"}, &bytes.Buffer{}))
}
