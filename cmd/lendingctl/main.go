package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"lendmarket/crypto"
	"lendmarket/services/lending/client"
)

const (
	defaultEndpoint = "http://127.0.0.1:8080"
	endpointEnv     = "LENDINGD_URL"
	tokenEnv        = "LENDINGD_TOKEN"
	secretEnv       = "LENDING_JWT_SECRET"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: lendingctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Views:   markets | market <id> | rates <id> | account <addr> | liquidity <addr>")
	fmt.Fprintln(w, "         preview -borrower <addr> -debt <id> -collateral <id> [-liquidator <addr>]")
	fmt.Fprintln(w, "Actions: mint|borrow|repay <market> <amount> | redeem <market> <shares>")
	fmt.Fprintln(w, "         collateral-post|collateral-remove <market> <shares>")
	fmt.Fprintln(w, "         liquidate -borrower <addr> -debt <id> -collateral <id> [-amount n] [-min-out n]")
	fmt.Fprintln(w, "Admin:   price <asset> <usd> | pause-module <true|false>")
	fmt.Fprintln(w, "         deposit <reference> <account> <asset> <amount>")
	fmt.Fprintln(w, "Tokens:  token -sub <addr> [-ttl 1h] [-issuer iss] (secret from $"+secretEnv+" or a prompt)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "The endpoint and bearer token come from $"+endpointEnv+" and $"+tokenEnv+".")
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	cmd, rest := args[0], args[1:]
	if cmd == "token" {
		return runToken(rest, out, time.Now)
	}
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		usage(out)
		return nil
	}

	endpoint := strings.TrimSpace(os.Getenv(endpointEnv))
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	c, err := client.New(endpoint, client.WithToken(os.Getenv(tokenEnv)))
	if err != nil {
		return err
	}

	switch cmd {
	case "markets":
		return printResult(out)(c.Markets(ctx))
	case "market", "rates", "account", "liquidity":
		if len(rest) != 1 {
			return fmt.Errorf("%s: expected one argument", cmd)
		}
		switch cmd {
		case "market":
			return printResult(out)(c.Market(ctx, rest[0]))
		case "rates":
			return printResult(out)(c.Rates(ctx, rest[0]))
		case "account":
			return printResult(out)(c.Account(ctx, rest[0]))
		default:
			return printResult(out)(c.Liquidity(ctx, rest[0]))
		}
	case "mint", "borrow", "repay", "redeem", "collateral-post", "collateral-remove":
		if len(rest) != 2 {
			return fmt.Errorf("%s: expected <market> <amount>", cmd)
		}
		return runAction(ctx, c, cmd, rest[0], rest[1], out)
	case "preview", "liquidate":
		req, err := parseLiquidation(cmd, rest)
		if err != nil {
			return err
		}
		if cmd == "preview" {
			return printResult(out)(c.PreviewLiquidation(ctx, req))
		}
		return printResult(out)(c.Liquidate(ctx, req))
	case "price":
		if len(rest) != 2 {
			return errors.New("price: expected <asset> <usd>")
		}
		if err := c.PushPrice(ctx, rest[0], rest[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "price for %s set to %s USD\n", strings.ToUpper(rest[0]), rest[1])
		return nil
	case "deposit":
		if len(rest) != 4 {
			return errors.New("deposit: expected <reference> <account> <asset> <amount>")
		}
		return printResult(out)(c.Deposit(ctx, rest[0], rest[1], rest[2], rest[3]))
	case "pause-module":
		if len(rest) != 1 {
			return errors.New("pause-module: expected true or false")
		}
		paused := strings.EqualFold(rest[0], "true")
		if !paused && !strings.EqualFold(rest[0], "false") {
			return fmt.Errorf("pause-module: invalid value %q", rest[0])
		}
		if err := c.SetModulePaused(ctx, paused); err != nil {
			return err
		}
		fmt.Fprintf(out, "module paused=%t\n", paused)
		return nil
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runAction(ctx context.Context, c *client.Client, cmd, market, amount string, out io.Writer) error {
	var (
		result string
		label  string
		err    error
	)
	switch cmd {
	case "mint":
		label = "shares minted"
		result, err = c.Mint(ctx, market, amount)
	case "borrow":
		label = "borrowed"
		result, err = c.Borrow(ctx, market, amount)
	case "repay":
		label = "repaid"
		result, err = c.Repay(ctx, market, amount, "")
	case "redeem":
		label = "underlying received"
		result, err = c.Redeem(ctx, market, amount)
	case "collateral-post":
		label, result = "shares posted", amount
		err = c.PostCollateral(ctx, market, amount)
	case "collateral-remove":
		label, result = "shares released", amount
		err = c.RemoveCollateral(ctx, market, amount)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s: %s\n", strings.ToUpper(market), label, result)
	return nil
}

func parseLiquidation(cmd string, args []string) (client.LiquidationRequest, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var req client.LiquidationRequest
	fs.StringVar(&req.Borrower, "borrower", "", "Account being liquidated")
	fs.StringVar(&req.DebtMarket, "debt", "", "Market whose debt is repaid")
	fs.StringVar(&req.CollateralMarket, "collateral", "", "Market whose collateral is seized")
	fs.StringVar(&req.Liquidator, "liquidator", "", "Liquidator to simulate (preview only)")
	fs.StringVar(&req.Amount, "amount", "", "Exact debt to close; empty closes the maximum")
	fs.StringVar(&req.MinOut, "min-out", "", "Swap the reward into the debt asset with this minimum output")
	if err := fs.Parse(args); err != nil {
		return req, fmt.Errorf("%s: %w", cmd, err)
	}
	if req.Borrower == "" || req.DebtMarket == "" || req.CollateralMarket == "" {
		return req, fmt.Errorf("%s: -borrower, -debt and -collateral are required", cmd)
	}
	return req, nil
}

func runToken(args []string, out io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	sub := fs.String("sub", "", "Account address the token authenticates")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	issuer := fs.String("issuer", "", "Issuer claim")
	audience := fs.String("audience", "", "Audience claim")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	secret, err := newSecretSource(secretEnv).Get()
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	token, err := issueToken(secret, *sub, *issuer, *audience, *ttl, now())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

// issueToken signs an HS256 bearer token for sub.
func issueToken(secret, sub, issuer, audience string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("token: $%s is not set", secretEnv)
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(sub))
	if err != nil {
		return "", fmt.Errorf("token: -sub: %w", err)
	}
	if ttl <= 0 {
		return "", errors.New("token: -ttl must be positive")
	}
	claims := jwt.MapClaims{
		"sub": addr.String(),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// printResult adapts a (value, error) pair into indented JSON on out.
func printResult(out io.Writer) func(interface{}, error) error {
	return func(value interface{}, err error) error {
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	}
}
