package main

import (
	"context"
	"errors"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sdko-org/certdeliver/internal/client"
	"github.com/sdko-org/certdeliver/internal/config"
	"github.com/sdko-org/certdeliver/internal/hook"
)

func main() {
	logger := logrus.New()

	root := &cobra.Command{
		Use:           "certdeliver",
		Short:         "Certificate bundle distribution tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(syncCmd(logger), packageCmd(logger))

	if err := root.Execute(); err != nil {
		logger.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}

func syncCmd(logger *logrus.Logger) *cobra.Command {
	cfg := config.LoadClient()

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch and install the latest certificate bundle from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Token == "" {
				return errors.New("no client token configured")
			}

			downloader := client.NewDownloader(logger, cfg)
			updated, err := downloader.Update(context.Background())
			if err != nil {
				return err
			}
			if updated {
				logger.Info("Certificate update completed")
			} else {
				logger.Info("No update applied")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "delivery server base URL")
	cmd.Flags().StringVar(&cfg.Token, "token", cfg.Token, "access token")
	cmd.Flags().StringVar(&cfg.CertName, "cert-name", cfg.CertName, "certificate name")
	cmd.Flags().StringVar(&cfg.CertDestPath, "dest", cfg.CertDestPath, "install directory")
	cmd.Flags().StringVar(&cfg.LocalCacheDir, "cache-dir", cfg.LocalCacheDir, "local bundle cache directory")
	cmd.Flags().StringVar(&cfg.PostUpdateCommand, "post-update-command", cfg.PostUpdateCommand, "command run after a successful install")
	cmd.Flags().BoolVar(&cfg.VerifySSL, "verify-ssl", cfg.VerifySSL, "verify the server TLS certificate")

	return cmd
}

func packageCmd(logger *logrus.Logger) *cobra.Command {
	cfg := config.LoadHook()

	cmd := &cobra.Command{
		Use:   "package",
		Short: "Package the renewed certificate directory into a delivery artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			packager := hook.NewPackager(logger, cfg)
			path, err := packager.Package(context.Background())
			if err != nil {
				return err
			}
			logger.WithField("artifact", path).Info("Packaging complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.LiveDir, "live-dir", cfg.LiveDir, "letsencrypt live directory")
	cmd.Flags().StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "targets directory for packaged artifacts")
	cmd.Flags().StringVar(&cfg.CertName, "cert-name", cfg.CertName, "certificate name to package")
	cmd.Flags().StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "optional S3 bucket for off-site artifact mirroring")

	return cmd
}
