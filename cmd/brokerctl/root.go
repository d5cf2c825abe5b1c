package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tradebridge/internal/broker"
	"tradebridge/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// connOptions - параметры подключения к брокеру из флагов и окружения
type connOptions struct {
	email         string
	password      string
	server        string
	environment   string
	baseURL       string
	accountID     string
	accountNumber string
	timeout       time.Duration
	verbose       bool
}

func newRootCmd() *cobra.Command {
	opts := &connOptions{}

	cmd := &cobra.Command{
		Use:           "brokerctl",
		Short:         "Operator CLI for the TradeLocker broker API",
		SilenceUsage:  true,
		SilenceErrors: false,
		Long: `brokerctl talks to the broker directly, without the tradebridge server.

Credentials come from flags or BROKER_EMAIL, BROKER_PASSWORD and BROKER_SERVER.
risk-check runs offline against a profile given by flags.`,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.email, "email", "", "broker login (env BROKER_EMAIL)")
	pf.StringVar(&opts.password, "password", "", "broker password (env BROKER_PASSWORD)")
	pf.StringVar(&opts.server, "server", "", "broker server name (env BROKER_SERVER)")
	pf.StringVar(&opts.environment, "env", broker.EnvironmentDemo, "demo or live")
	pf.StringVar(&opts.baseURL, "base-url", "", "override broker REST base URL (env BROKER_BASE_URL)")
	pf.StringVar(&opts.accountID, "account-id", "", "account id; defaults to the first account")
	pf.StringVar(&opts.accountNumber, "account-number", "", "account number")
	pf.DurationVar(&opts.timeout, "timeout", 15*time.Second, "per-request timeout")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging to stderr")

	cmd.AddCommand(
		newAccountsCmd(opts),
		newInstrumentsCmd(opts),
		newQuotesCmd(opts),
		newPositionsCmd(opts),
		newCandlesCmd(opts),
		newRiskCheckCmd(),
	)

	return cmd
}

func (o *connOptions) resolve() error {
	if o.email == "" {
		o.email = strings.TrimSpace(os.Getenv("BROKER_EMAIL"))
	}
	if o.password == "" {
		o.password = os.Getenv("BROKER_PASSWORD")
	}
	if o.server == "" {
		o.server = strings.TrimSpace(os.Getenv("BROKER_SERVER"))
	}
	if o.baseURL == "" {
		o.baseURL = strings.TrimSpace(os.Getenv("BROKER_BASE_URL"))
	}

	var verr utils.ValidationErrors
	verr.AddError("email", utils.ValidateEmail(o.email))
	if o.password == "" {
		verr.Add("password", "is required: set --password or env BROKER_PASSWORD")
	}
	verr.AddError("server", utils.ValidateServer(o.server))
	return verr.Err()
}

func (o *connOptions) logger() *zap.Logger {
	if !o.verbose {
		return zap.NewNop()
	}
	return utils.InitLogger(utils.LogConfig{Level: "debug", Format: "console"}).Logger
}

// connect аутентифицируется и, если нужно, выбирает счет
func (o *connOptions) connect(ctx context.Context, selectAccount bool) (*broker.Session, *broker.Gateway, error) {
	if err := o.resolve(); err != nil {
		return nil, nil, err
	}

	httpCfg := broker.DefaultHTTPClientConfig()
	httpCfg.RequestTimeout = o.timeout
	client := broker.NewHTTPClient(httpCfg)

	factory, err := broker.NewFactory(client, broker.FactoryConfig{
		Broker:      "tradelocker",
		Environment: o.environment,
		BaseURL:     o.baseURL,
	}, o.logger())
	if err != nil {
		return nil, nil, err
	}

	session := factory.NewSession(o.server)
	if _, err := session.Authenticate(ctx, o.email, o.password); err != nil {
		return nil, nil, fmt.Errorf("authenticate: %w", err)
	}
	gateway := factory.NewGateway(session)

	if !selectAccount {
		return session, gateway, nil
	}

	ref := broker.AccountRef{ID: o.accountID, Number: o.accountNumber}
	// счету нужны оба идентификатора; недостающий берем из списка
	if ref.ID == "" || ref.Number == "" {
		accounts, err := gateway.GetAccounts(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("list accounts: %w", err)
		}
		if len(accounts) == 0 {
			return nil, nil, fmt.Errorf("no trading accounts for %s", o.email)
		}
		ref = pickAccount(accounts, ref)
	}
	if err := session.SelectAccount(ref); err != nil {
		return nil, nil, fmt.Errorf("select account: %w", err)
	}
	return session, gateway, nil
}

// printJSON печатает значение с отступами
func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
