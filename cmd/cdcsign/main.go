// Command cdcsign signs and checks CDC requests with a partner secret. It
// is meant for operators debugging signature mismatches against the gateway.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"cdcgateway/cdc"
	"cdcgateway/sigutil"
)

const usage = `usage: cdcsign <command> [flags]

commands:
  sign        sign an outbound REST call (prints sig)
  uid-sig     compute a UIDSignature for a UID
  verify-uid  check a UIDSignature (exit status 1 when invalid)
  account     fetch accounts.getAccountInfo for a UID
  schema      fetch accounts.getSchema for the site

The partner secret, API key and data center default to CDCGW_CDC_SECRET_KEY,
CDCGW_CDC_API_KEY and CDCGW_CDC_DATA_CENTER.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, time.Now))
}

// params collects repeated -param key=value flags.
type params map[string]string

func (p params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k+"="+p[k])
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (p params) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("param %q must be key=value", v)
	}
	p[k] = val
	return nil
}

func run(args []string, stdout, stderr io.Writer, now func() time.Time) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var err error
	switch args[0] {
	case "sign":
		err = runSign(args[1:], stdout)
	case "uid-sig":
		err = runUIDSig(args[1:], stdout, now)
	case "verify-uid":
		var valid bool
		valid, err = runVerifyUID(args[1:], stdout, now)
		if err == nil && !valid {
			return 1
		}
	case "account":
		err = runAccount(args[1:], stdout, logger)
	case "schema":
		err = runSchema(args[1:], stdout, logger)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "cdcsign %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func secretFlag(fs *flag.FlagSet) *string {
	return fs.String("secret", os.Getenv("CDCGW_CDC_SECRET_KEY"), "base64 partner secret")
}

func runSign(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	secret := secretFlag(fs)
	method := fs.String("method", "POST", "HTTP method")
	rawURL := fs.String("url", "", "endpoint URL, e.g. https://accounts.us1.gigya.com/accounts.getAccountInfo")
	showBase := fs.Bool("base", false, "also print the base string")
	ps := params{}
	fs.Var(ps, "param", "request parameter key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *rawURL == "" {
		return errors.New("-url is required")
	}

	sig, err := sigutil.SignRequest(*method, *rawURL, ps, *secret)
	if err != nil {
		return err
	}
	if *showBase {
		base, err := sigutil.BaseString(*method, *rawURL, ps)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "base: %s\n", base)
	}
	fmt.Fprintln(stdout, sig)
	return nil
}

func runUIDSig(args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("uid-sig", flag.ContinueOnError)
	secret := secretFlag(fs)
	uid := fs.String("uid", "", "account UID")
	ts := fs.String("timestamp", "", "unix seconds (default now)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *uid == "" {
		return errors.New("-uid is required")
	}
	if *ts == "" {
		*ts = strconv.FormatInt(now().Unix(), 10)
	}
	v, err := sigutil.NewVerifier(*secret)
	if err != nil {
		return err
	}

	return printJSON(stdout, map[string]string{
		"UID":                *uid,
		"signatureTimestamp": *ts,
		"UIDSignature":       v.UserSignature(*uid, *ts),
	})
}

func runVerifyUID(args []string, stdout io.Writer, now func() time.Time) (bool, error) {
	fs := flag.NewFlagSet("verify-uid", flag.ContinueOnError)
	secret := secretFlag(fs)
	uid := fs.String("uid", "", "account UID")
	ts := fs.String("timestamp", "", "signatureTimestamp (unix seconds)")
	sig := fs.String("signature", "", "UIDSignature")
	maxAge := fs.Duration("max-age", sigutil.DefaultMaxAge, "accepted clock distance")
	if err := fs.Parse(args); err != nil {
		return false, err
	}
	if *uid == "" || *ts == "" || *sig == "" {
		return false, errors.New("-uid, -timestamp and -signature are required")
	}

	v, err := sigutil.NewVerifier(*secret, sigutil.WithClock(now))
	if err != nil {
		return false, err
	}
	if v.ValidateUserSignature(*uid, *ts, *sig, *maxAge) {
		fmt.Fprintln(stdout, "valid")
		return true, nil
	}
	fmt.Fprintln(stdout, "invalid")
	return false, nil
}

// siteFlags registers the flags every CDC API subcommand shares.
type siteFlags struct {
	secret  *string
	apiKey  *string
	dc      *string
	baseURL *string
	timeout *time.Duration
}

func registerSiteFlags(fs *flag.FlagSet) siteFlags {
	return siteFlags{
		secret:  secretFlag(fs),
		apiKey:  fs.String("api-key", os.Getenv("CDCGW_CDC_API_KEY"), "CDC site API key"),
		dc:      fs.String("data-center", os.Getenv("CDCGW_CDC_DATA_CENTER"), "CDC data center (default us1)"),
		baseURL: fs.String("base-url", "", "override the accounts API base URL"),
		timeout: fs.Duration("timeout", 15*time.Second, "request timeout"),
	}
}

func (f siteFlags) client(logger *slog.Logger) (*cdc.Client, error) {
	return cdc.NewClient(cdc.Config{
		APIKey:     *f.apiKey,
		SecretKey:  *f.secret,
		DataCenter: *f.dc,
		BaseURL:    *f.baseURL,
	}, cdc.WithLogger(logger))
}

func runAccount(args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("account", flag.ContinueOnError)
	site := registerSiteFlags(fs)
	uid := fs.String("uid", "", "account UID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *uid == "" {
		return errors.New("-uid is required")
	}

	client, err := site.client(logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *site.timeout)
	defer cancel()
	acc, err := client.GetAccountInfo(ctx, *uid)
	if err != nil {
		return err
	}
	return printJSON(stdout, acc)
}

func runSchema(args []string, stdout io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("schema", flag.ContinueOnError)
	site := registerSiteFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := site.client(logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *site.timeout)
	defer cancel()
	schema, err := client.GetSchema(ctx)
	if err != nil {
		return err
	}
	return printJSON(stdout, schema)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
