// tokengen mints and inspects access tokens signed with the server's JWT
// secret. It reads JWT_SECRET and JWT_ISSUER from the environment or .env.
//
//	tokengen --subject U1 --email u1@example.com --ttl 1h
//	tokengen --verify <token>
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/locolive/relay/internal/auth"
)

func main() {
	_ = godotenv.Load()
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var (
		subject string
		email   string
		ttl     time.Duration
		secret  string
		issuer  string
		verify  string
	)

	flagSet := pflag.NewFlagSet("tokengen", pflag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.StringVar(&subject, "subject", "", "user id to put in the token")
	flagSet.StringVar(&email, "email", "", "optional email claim")
	flagSet.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	flagSet.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "signing secret (default $JWT_SECRET)")
	flagSet.StringVar(&issuer, "issuer", envOr("JWT_ISSUER", "relay"), "issuer claim (default $JWT_ISSUER)")
	flagSet.StringVar(&verify, "verify", "", "verify this token instead of minting one")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if secret == "" {
		return errors.New("no secret: set JWT_SECRET or pass --secret")
	}

	codec := auth.NewTokenCodec(secret, issuer)

	if verify != "" {
		claims, err := codec.Verify(verify)
		if err != nil {
			return err
		}
		id := claims.Identity()
		fmt.Fprintf(out, "subject: %s\nemail:   %s\nexpires: %s\n", id.UserID, id.Email, id.ExpiresAt.Format(time.RFC3339))
		return nil
	}

	if subject == "" {
		return errors.New("--subject is required")
	}
	var custom map[string]any
	if email != "" {
		custom = map[string]any{"email": email}
	}
	token, err := codec.Issue(subject, custom, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
