package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"evote-backend/api"
	"evote-backend/biometric"
	"evote-backend/metrics"

	"github.com/prometheus/client_golang/prometheus"
	ucli "github.com/urfave/cli/v2"
	"golang.org/x/xerrors"
)

const shutdownTimeout = 10 * time.Second

// withNode runs fn with a node built from the configuration and closes it
// afterwards.
func withNode(c *ucli.Context, fn func(*node) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	n, err := newNode(cfg)
	if err != nil {
		return err
	}

	err = fn(n)

	closeErr := n.close()
	if err == nil {
		err = closeErr
	}

	return err
}

func serveAction(c *ucli.Context) error {
	return withNode(c, func(n *node) error {
		reg := prometheus.NewRegistry()
		reg.MustRegister(prometheus.NewGoCollector())

		err := metrics.Register(reg)
		if err != nil {
			return err
		}

		srv := api.NewServer(n.cfg.ListenAddr, api.Params{
			Keys:       n.keys,
			Votes:      n.votes,
			Receipts:   n.verifier,
			Biometrics: n.gate,
			Ledger:     n.chain,
			Elections:  n.elections,
			Registry:   reg,
		})

		n.chain.Start()
		n.reconciler.Start()

		done := make(chan struct{})
		defer close(done)
		n.startSnapshots(done)

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		defer signal.Stop(sigs)

		serveErr := make(chan error, 1)
		go func() {
			serveErr <- srv.Listen()
		}()

		select {
		case err = <-serveErr:
			return err
		case sig := <-sigs:
			n.logger.Info().Str("signal", sig.String()).Msg("shutting down")
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err = srv.Stop(ctx)
		if err != nil {
			return err
		}

		err = <-serveErr
		if err != nil {
			return err
		}

		_, err = n.snapshot()
		if err != nil {
			n.logger.Err(err).Msg("failed to save the final snapshot")
		}

		return nil
	})
}

func generateKeysAction(c *ucli.Context) error {
	return withNode(c, func(n *node) error {
		pub, err := n.keys.GenerateElectionKeys(c.Context, c.String("election"))
		if err != nil {
			return xerrors.Errorf("failed to generate keys: %w", err)
		}

		return printJSON(c, pub)
	})
}

func showKeysAction(c *ucli.Context) error {
	return withNode(c, func(n *node) error {
		electionID := c.String("election")

		if electionID == "" {
			keys, err := n.keys.List(c.Context)
			if err != nil {
				return err
			}
			return printJSON(c, keys)
		}

		pub, err := n.keys.GetPublicKey(c.Context, electionID)
		if err != nil {
			return xerrors.Errorf("failed to read keys: %w", err)
		}

		fingerprint, anchored := n.chain.Anchor(electionID)
		if anchored && fingerprint != pub.Fingerprint {
			return xerrors.Errorf("fingerprint %s differs from the anchored %s", pub.Fingerprint, fingerprint)
		}

		return printJSON(c, pub)
	})
}

func anchorKeysAction(c *ucli.Context) error {
	return withNode(c, func(n *node) error {
		electionID := c.String("election")

		if electionID == "" {
			count, err := n.keys.AnchorPending(c.Context)
			if err != nil {
				return xerrors.Errorf("failed to anchor keys: %w", err)
			}

			fmt.Fprintf(c.App.Writer, "anchored %d keys\n", count)
			return nil
		}

		pub, err := n.keys.Anchor(c.Context, electionID)
		if err != nil {
			return xerrors.Errorf("failed to anchor key: %w", err)
		}

		return printJSON(c, pub)
	})
}

func validateLedgerAction(c *ucli.Context) error {
	return withNode(c, func(n *node) error {
		err := n.chain.Validate()
		if err != nil {
			return xerrors.Errorf("ledger is invalid: %v", err)
		}

		fmt.Fprintf(c.App.Writer, "ledger is valid: %d blocks, authority %s\n",
			n.chain.Height(), n.chain.Authority().Hex())

		return nil
	})
}

func snapshotAction(c *ucli.Context) error {
	return withNode(c, func(n *node) error {
		path, err := n.snapshot()
		if err != nil {
			return err
		}

		fmt.Fprintf(c.App.Writer, "snapshot written to %s\n", path)
		return nil
	})
}

func reconcileAction(c *ucli.Context) error {
	return withNode(c, func(n *node) error {
		report, err := n.votes.Reconcile(c.Context)
		if err != nil {
			return err
		}

		return printJSON(c, report)
	})
}

func decryptAction(c *ucli.Context) error {
	return withNode(c, func(n *node) error {
		payloads, err := n.votes.DecryptElection(c.Context, c.String("election"))
		if err != nil {
			return xerrors.Errorf("failed to decrypt ballots: %w", err)
		}

		return printJSON(c, payloads)
	})
}

func enrollAction(c *ucli.Context) error {
	return withNode(c, func(n *node) error {
		capturer := fileCapturer{path: c.String("descriptor")}

		descriptor, err := biometric.Capture(c.Context, capturer, n.cfg.Biometric.Attempts, 100*time.Millisecond)
		if err != nil {
			return err
		}

		err = n.gate.Enroll(c.Context, c.String("user"), descriptor)
		if err != nil {
			return xerrors.Errorf("failed to enroll: %w", err)
		}

		fmt.Fprintf(c.App.Writer, "user %s enrolled\n", c.String("user"))
		return nil
	})
}

// fileCapturer reads the descriptor written by a capture device as a JSON
// array. The device may still be writing it, hence the retries of Capture.
type fileCapturer struct {
	path string
}

func (f fileCapturer) Capture(ctx context.Context) ([]float64, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, xerrors.Errorf("failed to read descriptor: %v", err)
	}

	var descriptor []float64

	err = json.Unmarshal(data, &descriptor)
	if err != nil {
		return nil, xerrors.Errorf("failed to decode descriptor: %v", err)
	}

	return descriptor, nil
}

func printJSON(c *ucli.Context, v interface{}) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
