package main

import (
	"context"
	"os"
	"time"

	"evote-backend/biometric"
	"evote-backend/config"
	"evote-backend/encryption"
	"evote-backend/keymanager"
	"evote-backend/ledger"
	"evote-backend/logging"
	"evote-backend/receipt"
	"evote-backend/registry"
	"evote-backend/service"
	"evote-backend/storage"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

const chainName = "ledger"

// node holds the components of the server, wired from the configuration.
type node struct {
	cfg    *config.Config
	logger zerolog.Logger

	db         storage.DB
	chain      *ledger.Chain
	snapshots  *storage.SnapshotStore
	recorder   *ledger.Recorder
	keys       *keymanager.Manager
	gate       *biometric.Gate
	elections  *registry.Directory
	votes      *service.VotingService
	reconciler *service.Reconciler
	verifier   *receipt.Verifier
}

func newNode(cfg *config.Config) (*node, error) {
	n := &node{
		cfg:    cfg,
		logger: logging.Component("node"),
	}

	err := os.MkdirAll(cfg.StorageDir, 0700)
	if err != nil {
		return nil, xerrors.Errorf("failed to create storage directory: %v", err)
	}

	n.db, err = storage.Open(cfg.Path("evote.db"))
	if err != nil {
		return nil, err
	}

	err = n.build()
	if err != nil {
		n.db.Close()
		return nil, err
	}

	return n, nil
}

func (n *node) build() error {
	cfg := n.cfg

	authority, err := encryption.LoadOrGenerateAuthority(cfg.Path("authority.json"))
	if err != nil {
		return xerrors.Errorf("failed to load ledger authority: %v", err)
	}

	n.snapshots, err = storage.NewSnapshotStore(cfg.Path("snapshots"), chainName, cfg.Ledger.SnapshotKeep)
	if err != nil {
		return err
	}

	store, err := storage.NewChainStore(cfg.StorageDir, chainName)
	if err != nil {
		return err
	}

	err = n.restoreChain(store)
	if err != nil {
		return err
	}

	n.chain, err = ledger.NewChain(store, authority,
		ledger.WithBatchSize(cfg.Ledger.BatchSize),
		ledger.WithDifficulty(cfg.Ledger.Difficulty),
		ledger.WithSealInterval(cfg.Ledger.SealInterval))
	if err != nil {
		return xerrors.Errorf("failed to open ledger: %v", err)
	}

	n.recorder = ledger.NewRecorder(n.chain, ledger.RecorderParams{
		SubmitTimeout:  cfg.Ledger.SubmitTimeout,
		ConfirmTimeout: cfg.Ledger.ConfirmTimeout,
		PollInterval:   cfg.Ledger.PollInterval,
	})

	masterSecret, err := cfg.MasterSecret()
	if err != nil {
		return err
	}

	n.keys, err = keymanager.NewManager(n.db, masterSecret,
		keymanager.WithKeySize(cfg.Keys.RSABits),
		keymanager.WithAnchor(n.recorder))
	if err != nil {
		return err
	}

	anchored, err := n.keys.AnchorPending(context.Background())
	if err != nil {
		n.logger.Warn().Err(err).Msg("failed to anchor pending keys")
	} else if anchored > 0 {
		n.logger.Info().Int("count", anchored).Msg("anchored pending keys")
	}

	bioSecret, err := cfg.BiometricSecret()
	if err != nil {
		return err
	}

	n.gate, err = biometric.NewGate(n.db, biometric.GateParams{
		Secret:    bioSecret,
		Threshold: cfg.Biometric.Threshold,
		PassTTL:   cfg.Biometric.PassTTL,
	})
	if err != nil {
		return err
	}

	n.elections, err = registry.NewDirectory(cfg.Path(cfg.Voting.ElectionsFile))
	if err != nil {
		return err
	}

	n.votes, err = service.NewVotingService(service.Params{
		DB:                   n.db,
		Elections:            n.elections,
		Recorder:             n.recorder,
		Keys:                 n.keys,
		Passes:               n.gate,
		RequireBiometricPass: cfg.Voting.RequireBiometricPass,
		StaleAfter:           cfg.Voting.StaleAfter,
	})
	if err != nil {
		return err
	}

	n.reconciler = service.NewReconciler(n.votes, service.ReconcilerParams{
		Interval:   cfg.Voting.ReconcileInterval,
		RetryDelay: cfg.Ledger.ConfirmTimeout,
		Workers:    cfg.Voting.Workers,
	})

	n.verifier = receipt.NewVerifier(n.db, n.elections, n.recorder)

	n.logger.Info().
		Str("authority", authority.Address().Hex()).
		Int("height", n.chain.Height()).
		Msgf("node ready with %s", cfg)

	return nil
}

// restoreChain seeds an empty chain file with the latest snapshot, if any.
func (n *node) restoreChain(store *storage.ChainStore) error {
	blocks, err := store.Load()
	if err != nil {
		return xerrors.Errorf("failed to load chain: %v", err)
	}
	if len(blocks) > 0 {
		return nil
	}

	latest, err := n.snapshots.LoadLatest()
	if err != nil {
		return xerrors.Errorf("failed to load snapshot: %v", err)
	}
	if len(latest) == 0 {
		return nil
	}

	n.logger.Warn().Int("blocks", len(latest)).Msg("chain file missing, restoring the latest snapshot")

	return store.Save(latest)
}

// snapshot writes a copy of the sealed chain.
func (n *node) snapshot() (string, error) {
	return n.snapshots.Save(n.chain.Blocks(), time.Now())
}

// startSnapshots takes a snapshot on every interval until the channel is
// closed.
func (n *node) startSnapshots(done <-chan struct{}) {
	interval := n.cfg.Ledger.SnapshotInterval
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				path, err := n.snapshot()
				if err != nil {
					n.logger.Err(err).Msg("failed to save snapshot")
					continue
				}
				n.logger.Debug().Str("path", path).Msg("snapshot saved")
			}
		}
	}()
}

// close seals what is left in the ledger pool and closes the database.
func (n *node) close() error {
	n.reconciler.Stop()

	err := n.chain.Stop()
	if err != nil {
		n.logger.Err(err).Msg("failed to seal the ledger pool")
	}

	err = n.db.Close()
	if err != nil {
		return xerrors.Errorf("failed to close db: %v", err)
	}

	return nil
}
