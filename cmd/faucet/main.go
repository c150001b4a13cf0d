package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/driftlabs/faucet/pkg/discovery"
	"github.com/driftlabs/faucet/pkg/dispatch"
	"github.com/driftlabs/faucet/pkg/logger"
	"github.com/driftlabs/faucet/pkg/metrics"
	"github.com/driftlabs/faucet/pkg/notify"
	"github.com/driftlabs/faucet/pkg/server"
	"github.com/driftlabs/faucet/pkg/state"
	"github.com/driftlabs/faucet/pkg/zksync"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = "0.0.0.0:2880"
	defaultStatePath  = "state.json"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; flags and real env vars win.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server on localhost:6060")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address to listen on for HTTP (or set LISTEN_ADDR env var)")
	statePathFlag := flag.String("state-path", defaultStatePath, "path to the durable state snapshot (or set STATE_PATH env var)")
	modeFlag := flag.String("mode", string(state.ModeTransfer), "terminal action: 'transfer' pushes funds, 'allow' grants a withdrawal permission")
	readinessFlag := flag.String("readiness", string(state.ReadyOnAddress), "dispatch readiness: 'address' or 'address+proof'")

	rpcAddrFlag := flag.String("rpc-addr", "", "zkSync JSON-RPC endpoint (or set HTTP_RPC_API_ADDR env var)")
	accountFlag := flag.String("account", "", "faucet account address (or set FAUCET_ACCOUNT env var)")
	privateKeyFlag := flag.String("private-key", "", "faucet signing key seed, hex (or set ETH_PRIVATE_KEY env var)")
	sendFlag := flag.StringSlice("send", []string{"DAI=100", "BAT=100", "MLTT=100"}, "token=amount pairs transferred per ticket, in order")
	feeTokenFlag := flag.String("fee-token", "MLTT", "token used to pay the signing key change fee")
	receiptTimeoutFlag := flag.Duration("receipt-timeout", 0, "max wait per transfer receipt (0 = wait forever)")

	pollIntervalFlag := flag.Duration("poll-interval", 100*time.Millisecond, "queue poll interval when idle")
	snapshotIntervalFlag := flag.Duration("snapshot-interval", time.Minute, "periodic state snapshot interval")
	healthyThresholdFlag := flag.Duration("healthy-threshold", time.Minute, "run length after which supervisor backoff resets")
	backoffFloorFlag := flag.Duration("backoff-floor", time.Second, "minimum supervisor restart delay")
	backoffCeilingFlag := flag.Duration("backoff-ceiling", 10*time.Minute, "maximum supervisor restart delay")

	twitterQueryFlag := flag.String("twitter-query", "", "search query for tweet-based claim discovery (or set TWITTER_QUERY env var)")
	twitterBaseURLFlag := flag.String("twitter-base-url", "https://api.twitter.com", "twitter API base URL")
	discoveryIntervalFlag := flag.Duration("discovery-interval", 30*time.Second, "claim discovery poll interval")

	slackChannelFlag := flag.String("slack-channel", "", "slack channel for operational notifications (or set SLACK_CHANNEL env var)")

	flag.Parse()

	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("STATE_PATH"); env != "" {
		*statePathFlag = env
	}
	if env := os.Getenv("HTTP_RPC_API_ADDR"); env != "" {
		*rpcAddrFlag = env
	}
	if env := os.Getenv("FAUCET_ACCOUNT"); env != "" {
		*accountFlag = env
	}
	if env := os.Getenv("ETH_PRIVATE_KEY"); env != "" {
		*privateKeyFlag = env
	}
	if env := os.Getenv("TWITTER_QUERY"); env != "" {
		*twitterQueryFlag = env
	}
	if env := os.Getenv("SLACK_CHANNEL"); env != "" {
		*slackChannelFlag = env
	}

	log := logger.New(*verboseFlag)
	log.Info("faucet starting", "version", version, "commit", commit, "date", date)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     dsn,
			Release: version,
		}); err != nil {
			return fmt.Errorf("failed to init sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
	}

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := state.Load(state.Config{
		Logger:    log,
		Mode:      state.Mode(*modeFlag),
		Readiness: state.Readiness(*readinessFlag),
	}, *statePathFlag)
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.Nop{}
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" && *slackChannelFlag != "" {
		slackNotifier, err := notify.NewSlack(notify.SlackConfig{
			Logger:   log,
			BotToken: token,
			Channel:  *slackChannelFlag,
		})
		if err != nil {
			return err
		}
		notifier = slackNotifier
		log.Info("slack notifications enabled", "channel", *slackChannelFlag)
	}

	var transferClient dispatch.TransferClient
	var amounts []dispatch.TokenAmount
	if state.Mode(*modeFlag) == state.ModeTransfer {
		if *rpcAddrFlag == "" {
			return errors.New("--rpc-addr is required in transfer mode")
		}
		if *accountFlag == "" {
			return errors.New("--account is required in transfer mode")
		}
		if *privateKeyFlag == "" {
			return errors.New("--private-key is required in transfer mode")
		}

		signer, err := zksync.NewLocalSigner(*privateKeyFlag)
		if err != nil {
			return err
		}
		client, err := zksync.NewClient(zksync.Config{
			Logger:         log,
			RPCURL:         *rpcAddrFlag,
			Account:        state.NormalizeAddress(*accountFlag),
			Signer:         signer,
			ReceiptTimeout: *receiptTimeoutFlag,
		})
		if err != nil {
			return err
		}
		transferClient = client

		amounts, err = parseAmounts(*sendFlag)
		if err != nil {
			return err
		}
	}

	worker, err := dispatch.NewWorker(dispatch.WorkerConfig{
		Logger:       log,
		State:        st,
		Client:       transferClient,
		Notifier:     notifier,
		Amounts:      amounts,
		FeeToken:     *feeTokenFlag,
		PollInterval: *pollIntervalFlag,
		SnapshotPath: *statePathFlag,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:      log,
		ListenAddr:  *listenAddrFlag,
		State:       st,
		VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return err
	}

	reportError := func(err error) {
		if os.Getenv("SENTRY_DSN") != "" {
			sentry.CaptureException(err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	g.Go(func() error {
		sup, err := dispatch.NewSupervisor(dispatch.SupervisorConfig{
			Logger:           log,
			Name:             "worker",
			HealthyThreshold: *healthyThresholdFlag,
			BackoffFloor:     *backoffFloorFlag,
			BackoffCeiling:   *backoffCeilingFlag,
			Notifier:         notifier,
			ReportError:      reportError,
		})
		if err != nil {
			return err
		}
		return ignoreCancel(sup.Run(ctx, worker.Run))
	})

	if *twitterQueryFlag != "" {
		bearer := os.Getenv("TWITTER_BEARER_TOKEN")
		if bearer == "" {
			return errors.New("TWITTER_BEARER_TOKEN is required with --twitter-query")
		}
		client, err := discovery.NewHTTPClient(discovery.HTTPClientConfig{
			Logger:      log,
			BaseURL:     *twitterBaseURLFlag,
			BearerToken: bearer,
		})
		if err != nil {
			return err
		}
		poller, err := discovery.NewPoller(discovery.PollerConfig{
			Logger:   log,
			Client:   client,
			State:    st,
			Query:    *twitterQueryFlag,
			Interval: *discoveryIntervalFlag,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			sup, err := dispatch.NewSupervisor(dispatch.SupervisorConfig{
				Logger:           log,
				Name:             "discovery",
				HealthyThreshold: *healthyThresholdFlag,
				BackoffFloor:     *backoffFloorFlag,
				BackoffCeiling:   *backoffCeilingFlag,
				Notifier:         notifier,
				ReportError:      reportError,
			})
			if err != nil {
				return err
			}
			return ignoreCancel(sup.Run(ctx, poller.Run))
		})
	}

	g.Go(func() error {
		return ignoreCancel(snapshotLoop(ctx, st, *statePathFlag, *snapshotIntervalFlag))
	})

	srv.MarkReady()

	err = g.Wait()

	// Graceful shutdown trigger: persist before exit so a restart resumes
	// from here instead of from the last periodic snapshot.
	if snapErr := st.Snapshot(*statePathFlag); snapErr != nil {
		log.Error("failed to write final snapshot", "error", snapErr)
		if err == nil {
			err = snapErr
		}
	}
	return err
}

// snapshotLoop persists state periodically. Snapshot I/O errors are fatal:
// the faucet must not keep running while unable to persist.
func snapshotLoop(ctx context.Context, st *state.State, path string, interval time.Duration) error {
	clock := clockwork.NewRealClock()
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := st.Snapshot(path); err != nil {
				return fmt.Errorf("%w: %v", dispatch.ErrFatal, err)
			}
		}
	}
}

func parseAmounts(pairs []string) ([]dispatch.TokenAmount, error) {
	amounts := make([]dispatch.TokenAmount, 0, len(pairs))
	for _, pair := range pairs {
		token, amount, ok := strings.Cut(pair, "=")
		if !ok || token == "" {
			return nil, fmt.Errorf("malformed --send value %q, want TOKEN=AMOUNT", pair)
		}
		n, err := zksync.ParseUnits(amount, zksync.DefaultDecimals)
		if err != nil {
			return nil, fmt.Errorf("malformed amount in %q: %w", pair, err)
		}
		amounts = append(amounts, dispatch.TokenAmount{Token: token, Amount: n})
	}
	return amounts, nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
