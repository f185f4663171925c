/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"

	"github.com/jjudge-oj/authserver/config"
	"github.com/jjudge-oj/authserver/internal/db"
	"github.com/jjudge-oj/authserver/internal/export"
	"github.com/jjudge-oj/authserver/internal/storage"
	"github.com/jjudge-oj/authserver/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// exportCmd represents the export command.
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export data to object storage",
}

var exportUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Upload a JSON snapshot of all users (without password digests)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}

		objects, err := storage.Open(cmd.Context(), cfg.Storage)
		if err != nil {
			return err
		}
		if objects == nil {
			return errors.New("STORAGE_BACKEND must be minio or gcs to export")
		}
		defer objects.Close()

		dbConn, err := db.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer dbConn.Close()

		res, err := export.NewExporter(store.NewUserRepository(dbConn), objects).Users(cmd.Context())
		if err != nil {
			logger.WithError(err).Error("export users")
			return err
		}
		logger.WithFields(logrus.Fields{
			"bucket": res.Bucket,
			"key":    res.Key,
			"users":  res.Count,
			"bytes":  res.Bytes,
		}).Info("users exported")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.AddCommand(exportUsersCmd)
}
