// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	_ "time/tzdata" // user timezones must resolve without a system zoneinfo db

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"

	"github.com/stashpost/stashpost/private/kvstore"
	kvredis "github.com/stashpost/stashpost/private/kvstore/redis"
	"github.com/stashpost/stashpost/publisher"
	"github.com/stashpost/stashpost/publisher/publisherdb"
)

var (
	rootCmd = &cobra.Command{
		Use:   "stashpost",
		Short: "Stashpost draft publisher",
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the publisher",
		RunE:  cmdRun,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the database to the latest schema",
		RunE:  cmdMigrate,
	}
	diagCmd = &cobra.Command{
		Use:   "diag",
		Short: "Print queue and draft statistics",
		RunE:  cmdDiag,
	}

	confDir string

	runCfg   publisher.Config
	setupCfg publisher.Config
)

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return errs.New("database migration failed: %+v", err)
	}

	var kv kvstore.Store
	if runCfg.Redis.Address != "" {
		client, err := kvredis.OpenClientFrom(ctx, runCfg.Redis.Address)
		if err != nil {
			return errs.New("redis connection failed: %+v", err)
		}
		defer func() { err = errs.Combine(err, client.Close()) }()
		kv = client
	}

	peer, err := publisher.New(log, db, kv, runCfg)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)

	db, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	return db.MigrateToLatest(ctx)
}

func cmdDiag(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)

	db, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	stats, err := db.DiagStats(ctx)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "publish jobs:")
	for state, count := range stats.Jobs {
		fmt.Fprintf(w, "  %-12s %d\n", state, count)
	}
	fmt.Fprintln(w, "drafts:")
	for status, count := range stats.Drafts {
		fmt.Fprintf(w, "  %-12s %d\n", status, count)
	}
	return nil
}

func openDatabase(cmd *cobra.Command) (*publisherdb.DB, error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := publisherdb.Open(ctx, log.Named("db"), runCfg.Database, runCfg.Jobs)
	if err != nil {
		return nil, errs.New("database connection failed: %+v", err)
	}
	return db, nil
}

func init() {
	defaultConfDir := fpath.ApplicationDir("stashpost")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for stashpost configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(diagCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
	process.Bind(migrateCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(diagCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
}

func main() {
	logger, _, _ := process.NewLogger("stashpost")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
