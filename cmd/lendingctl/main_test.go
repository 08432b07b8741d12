package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"lendmarket/crypto"
)

func testAddress(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = b
	}
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func TestIssueTokenClaims(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	addr := testAddress(0x07)
	signed, err := issueToken("s3cret", addr.String(), "lending-auth", "lendingd", time.Hour, now)
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("s3cret"), nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)
	sub, err := claims.GetSubject()
	require.NoError(t, err)
	require.Equal(t, addr.String(), sub)
	iss, err := claims.GetIssuer()
	require.NoError(t, err)
	require.Equal(t, "lending-auth", iss)
	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour).Unix(), exp.Unix())
}

func TestIssueTokenValidation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	_, err := issueToken("", testAddress(1).String(), "", "", time.Hour, now)
	require.ErrorContains(t, err, secretEnv)
	_, err = issueToken("s", "not-an-address", "", "", time.Hour, now)
	require.ErrorContains(t, err, "-sub")
	_, err = issueToken("s", testAddress(1).String(), "", "", 0, now)
	require.ErrorContains(t, err, "-ttl")
}

func TestParseLiquidationRequiresMarkets(t *testing.T) {
	_, err := parseLiquidation("liquidate", []string{"-borrower", testAddress(2).String()})
	require.ErrorContains(t, err, "required")

	req, err := parseLiquidation("liquidate", []string{
		"-borrower", testAddress(2).String(), "-debt", "usdc", "-collateral", "eth", "-min-out", "5",
	})
	require.NoError(t, err)
	require.Equal(t, "usdc", req.DebtMarket)
	require.Equal(t, "5", req.MinOut)
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"frobnicate"}, &out)
	require.ErrorContains(t, err, "unknown command")
	require.Contains(t, out.String(), "Usage: lendingctl")
}
