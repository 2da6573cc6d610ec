// Command api runs the ballot server and its operator tools.
//
// The settings come from a YAML file, then the flags and the EVOTE_*
// environment variables override them:
//
//	EVOTE_MASTER_SECRET=... EVOTE_BIOMETRIC_SECRET=... api --config evote.yml serve
//	api keys generate --election board-2024
//	api ledger validate
package main

import (
	"fmt"
	"io"
	"os"

	"evote-backend/config"
	"evote-backend/logging"

	ucli "github.com/urfave/cli/v2"
	"golang.org/x/xerrors"
)

func main() {
	err := run(os.Args, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	app := newApp()
	app.Writer = out

	return app.Run(args)
}

func newApp() *ucli.App {
	electionFlag := &ucli.StringFlag{
		Name:     "election",
		Usage:    "identifier of the election",
		Required: true,
	}

	return &ucli.App{
		Name:  "evote",
		Usage: "end-to-end encrypted ballot server",
		Flags: []ucli.Flag{
			&ucli.StringFlag{
				Name:    "config",
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{"EVOTE_CONFIG"},
			},
			&ucli.StringFlag{
				Name:    "listen",
				Usage:   "address of the HTTP server",
				EnvVars: []string{"EVOTE_LISTEN"},
			},
			&ucli.StringFlag{
				Name:    "storage",
				Usage:   "directory of the databases and the ledger",
				EnvVars: []string{"EVOTE_STORAGE"},
			},
			&ucli.StringFlag{
				Name:    "log-level",
				Usage:   "level of the logs (debug, info, warn, error)",
				EnvVars: []string{"EVOTE_LOG_LEVEL"},
			},
			&ucli.StringFlag{
				Name:    "master-secret",
				Usage:   "hex secret sealing the election keys",
				EnvVars: []string{"EVOTE_MASTER_SECRET"},
			},
			&ucli.StringFlag{
				Name:    "biometric-secret",
				Usage:   "hex secret protecting the biometric profiles",
				EnvVars: []string{"EVOTE_BIOMETRIC_SECRET"},
			},
			&ucli.IntFlag{
				Name:    "rsa-bits",
				Usage:   "size of the generated election keys",
				EnvVars: []string{"EVOTE_RSA_BITS"},
			},
			&ucli.IntFlag{
				Name:    "difficulty",
				Usage:   "proof of work difficulty of the ledger blocks",
				Value:   -1,
				EnvVars: []string{"EVOTE_LEDGER_DIFFICULTY"},
			},
			&ucli.BoolFlag{
				Name:    "require-biometric-pass",
				Usage:   "refuse votes without a fresh biometric verification (on unless set to false)",
				EnvVars: []string{"EVOTE_REQUIRE_BIOMETRIC_PASS"},
			},
		},
		Commands: []*ucli.Command{
			{
				Name:   "serve",
				Usage:  "start the HTTP server",
				Action: serveAction,
			},
			{
				Name:  "keys",
				Usage: "manage the election keys",
				Subcommands: []*ucli.Command{
					{
						Name:   "generate",
						Usage:  "generate the keypair of an election",
						Flags:  []ucli.Flag{electionFlag},
						Action: generateKeysAction,
					},
					{
						Name:  "show",
						Usage: "print the public key of an election, or list all of them",
						Flags: []ucli.Flag{
							&ucli.StringFlag{Name: "election", Usage: "identifier of the election"},
						},
						Action: showKeysAction,
					},
					{
						Name:  "anchor",
						Usage: "publish the fingerprint of a key missing from the ledger, or of all of them",
						Flags: []ucli.Flag{
							&ucli.StringFlag{Name: "election", Usage: "identifier of the election"},
						},
						Action: anchorKeysAction,
					},
				},
			},
			{
				Name:  "ledger",
				Usage: "inspect the ledger",
				Subcommands: []*ucli.Command{
					{
						Name:   "validate",
						Usage:  "check the links, hashes, merkle roots and signatures",
						Action: validateLedgerAction,
					},
					{
						Name:   "snapshot",
						Usage:  "write a snapshot of the chain",
						Action: snapshotAction,
					},
				},
			},
			{
				Name:  "ballots",
				Usage: "operate on the recorded ballots",
				Subcommands: []*ucli.Command{
					{
						Name:   "decrypt",
						Usage:  "decrypt the shuffled and anonymized ballots of an election",
						Flags:  []ucli.Flag{electionFlag},
						Action: decryptAction,
					},
				},
			},
			{
				Name:   "reconcile",
				Usage:  "resolve the unfinished submissions against the ledger",
				Action: reconcileAction,
			},
			{
				Name:  "biometric",
				Usage: "operate the biometric gate",
				Subcommands: []*ucli.Command{
					{
						Name:  "enroll",
						Usage: "enroll a user from a descriptor file written by the capture device",
						Flags: []ucli.Flag{
							&ucli.StringFlag{Name: "user", Usage: "identifier of the user", Required: true},
							&ucli.StringFlag{Name: "descriptor", Usage: "path to the JSON descriptor", Required: true},
						},
						Action: enrollAction,
					},
				},
			},
		},
	}
}

// loadConfig reads the configuration file and applies the flags on top.
func loadConfig(c *ucli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if v := c.String("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v := c.String("storage"); v != "" {
		cfg.StorageDir = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := c.String("master-secret"); v != "" {
		cfg.Keys.MasterSecret = v
	}
	if v := c.String("biometric-secret"); v != "" {
		cfg.Biometric.Secret = v
	}
	if v := c.Int("rsa-bits"); v > 0 {
		cfg.Keys.RSABits = v
	}
	if v := c.Int("difficulty"); v >= 0 {
		if v > 255 {
			return nil, xerrors.Errorf("difficulty %d out of range", v)
		}
		cfg.Ledger.Difficulty = uint8(v)
	}
	if c.IsSet("require-biometric-pass") {
		cfg.Voting.RequireBiometricPass = c.Bool("require-biometric-pass")
	}

	err = cfg.Validate()
	if err != nil {
		return nil, xerrors.Errorf("invalid configuration: %v", err)
	}

	logging.SetLevel(cfg.LogLevel)

	return cfg, nil
}
