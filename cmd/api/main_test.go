package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"evote-backend/apperr"
	"evote-backend/keymanager"
	"evote-backend/logging"
	"evote-backend/service"

	"github.com/stretchr/testify/require"
	ucli "github.com/urfave/cli/v2"
)

func init() {
	logging.SetOutput(nil)
}

var testSecret = strings.Repeat("5a", 32)

func TestKeysCommands(t *testing.T) {
	dir := t.TempDir()
	out := new(bytes.Buffer)

	err := run(args(dir, "keys", "generate", "--election", "demo-2024"), out)
	require.NoError(t, err)

	var generated keymanager.PublicKey
	require.NoError(t, json.Unmarshal(out.Bytes(), &generated))
	require.Len(t, generated.Fingerprint, 64)
	require.NotEmpty(t, generated.AnchorTxRef)

	out.Reset()
	err = run(args(dir, "keys", "show", "--election", "demo-2024"), out)
	require.NoError(t, err)

	var shown keymanager.PublicKey
	require.NoError(t, json.Unmarshal(out.Bytes(), &shown))
	require.Equal(t, generated.Fingerprint, shown.Fingerprint)
	require.Equal(t, generated.PublicKeyPEM, shown.PublicKeyPEM)

	out.Reset()
	err = run(args(dir, "keys", "show"), out)
	require.NoError(t, err)

	var all []keymanager.PublicKey
	require.NoError(t, json.Unmarshal(out.Bytes(), &all))
	require.Len(t, all, 1)

	out.Reset()
	err = run(args(dir, "keys", "anchor", "--election", "demo-2024"), out)
	require.NoError(t, err)

	var anchored keymanager.PublicKey
	require.NoError(t, json.Unmarshal(out.Bytes(), &anchored))
	require.Equal(t, generated.AnchorTxRef, anchored.AnchorTxRef)

	out.Reset()
	err = run(args(dir, "keys", "anchor"), out)
	require.NoError(t, err)
	require.Equal(t, "anchored 0 keys\n", out.String())

	err = run(args(dir, "keys", "generate", "--election", "demo-2024"), out)
	require.ErrorIs(t, err, apperr.ErrAlreadyExists)

	err = run(args(dir, "keys", "show", "--election", "unknown"), out)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLedgerCommands(t *testing.T) {
	dir := t.TempDir()
	out := new(bytes.Buffer)

	err := run(args(dir, "keys", "generate", "--election", "demo-2024"), out)
	require.NoError(t, err)

	out.Reset()
	err = run(args(dir, "ledger", "validate"), out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "ledger is valid: 2 blocks")

	out.Reset()
	err = run(args(dir, "ledger", "snapshot"), out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "snapshot written to")

	snapshots, err := filepath.Glob(filepath.Join(dir, "snapshots", "ledger_snapshot_*.json"))
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	// a lost chain file is restored from the latest snapshot
	require.NoError(t, os.Remove(filepath.Join(dir, "ledger_chain.json")))

	out.Reset()
	err = run(args(dir, "ledger", "validate"), out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "ledger is valid: 2 blocks")
}

func TestReconcileCommand(t *testing.T) {
	dir := t.TempDir()
	out := new(bytes.Buffer)

	err := run(args(dir, "reconcile"), out)
	require.NoError(t, err)

	var report service.ReconcileReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Equal(t, service.ReconcileReport{}, report)
}

func TestDecryptCommand(t *testing.T) {
	dir := t.TempDir()
	out := new(bytes.Buffer)

	err := run(args(dir, "ballots", "decrypt", "--election", "demo-2024"), out)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	err = run(args(dir, "keys", "generate", "--election", "demo-2024"), out)
	require.NoError(t, err)

	out.Reset()
	err = run(args(dir, "ballots", "decrypt", "--election", "demo-2024"), out)
	require.NoError(t, err)
	require.JSONEq(t, "[]", out.String())
}

func TestEnrollCommand(t *testing.T) {
	dir := t.TempDir()
	out := new(bytes.Buffer)

	descriptor := make([]float64, 128)
	for i := range descriptor {
		descriptor[i] = float64(i) / 1000
	}

	data, err := json.Marshal(descriptor)
	require.NoError(t, err)

	path := filepath.Join(dir, "descriptor.json")
	require.NoError(t, os.WriteFile(path, data, 0600))

	err = run(args(dir, "biometric", "enroll", "--user", "u1", "--descriptor", path), out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "user u1 enrolled")

	err = run(args(dir, "biometric", "enroll", "--user", "u1", "--descriptor", path), out)
	require.ErrorIs(t, err, apperr.ErrAlreadyExists)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	out := new(bytes.Buffer)

	err := run([]string{"evote", "--storage", dir, "reconcile"}, out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid configuration")

	err = run(append(args(dir), "--difficulty", "300", "reconcile"), out)
	require.EqualError(t, err, "difficulty 300 out of range")

	err = run([]string{"evote", "--config", filepath.Join(dir, "missing.yml"), "reconcile"}, out)
	require.Error(t, err)
}

func TestLoadConfig_BiometricPass(t *testing.T) {
	dir := t.TempDir()

	var required []bool

	load := func(argv []string) error {
		app := newApp()
		app.Writer = new(bytes.Buffer)
		app.Commands = []*ucli.Command{{
			Name: "config",
			Action: func(c *ucli.Context) error {
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				required = append(required, cfg.Voting.RequireBiometricPass)
				return nil
			},
		}}

		return app.Run(argv)
	}

	require.NoError(t, load(args(dir, "config")))
	require.NoError(t, load(append(args(dir), "--require-biometric-pass=false", "config")))

	require.Equal(t, []bool{true, false}, required)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	out := new(bytes.Buffer)

	path := filepath.Join(dir, "evote.yml")
	content := "storage_dir: " + filepath.Join(dir, "data") + "\n" +
		"keys:\n  rsa_bits: 2048\n  master_secret: " + testSecret + "\n" +
		"biometric:\n  secret: " + testSecret + "\n" +
		"ledger:\n  difficulty: 0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	err := run([]string{"evote", "--config", path, "ledger", "validate"}, out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "ledger is valid: 1 blocks")

	_, err = os.Stat(filepath.Join(dir, "data", "evote.db"))
	require.NoError(t, err)
}

// -----------------------------------------------------------------------------
// Utility functions

func args(dir string, cmd ...string) []string {
	base := []string{
		"evote",
		"--storage", dir,
		"--master-secret", testSecret,
		"--biometric-secret", testSecret,
		"--rsa-bits", "2048",
		"--difficulty", "0",
	}

	return append(base, cmd...)
}
