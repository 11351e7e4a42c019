package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/finvoice/pipeline/services/ingest-service/internal/db"
	"github.com/finvoice/pipeline/services/ingest-service/internal/ingest"
	"github.com/finvoice/pipeline/services/ingest-service/internal/models"
	"github.com/finvoice/pipeline/services/ingest-service/internal/scanlock"
)

var (
	scanOwner   string
	scanConfig  int64
	ingestOwner string
	retryForce  bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan pass and exit",
	Long:  "Scans the owner's active mailboxes once (or a single mailbox with --config) and prints a pass report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		if err := db.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		owner, err := uuid.Parse(scanOwner)
		if err != nil {
			return fmt.Errorf("invalid --owner: %w", err)
		}

		p := buildPipeline()
		p.dispatcher.Start(ctx)
		configs, err := p.checkpoints.ListActiveForOwner(ctx, owner)
		if err != nil {
			return fmt.Errorf("list mailboxes: %w", err)
		}
		if len(configs) == 0 {
			return fmt.Errorf("no active mailboxes for owner %s", owner)
		}

		if scanConfig > 0 {
			var selected *models.MailboxConfig
			for _, cfg := range configs {
				if cfg.ID == scanConfig {
					selected = cfg
					break
				}
			}
			if selected == nil {
				return fmt.Errorf("mailbox config %d not found for owner %s", scanConfig, owner)
			}
			configs = []*models.MailboxConfig{selected}
			release, err := p.coordinator.AcquireMailbox(ctx, owner, scanConfig)
			if err == scanlock.ErrScanAlreadyRunning {
				return fmt.Errorf("mailbox %d is already being scanned", scanConfig)
			}
			if err != nil {
				return err
			}
			defer release()
		} else {
			ids := make([]int64, len(configs))
			for i, cfg := range configs {
				ids[i] = cfg.ID
			}
			release, err := p.coordinator.AcquireOwner(ctx, owner, ids)
			if err == scanlock.ErrScanAlreadyRunning {
				return fmt.Errorf("a scan is already running for owner %s", owner)
			}
			if err != nil {
				return err
			}
			defer release()
		}

		for _, cfg := range configs {
			report, err := p.scanner.ScanMailbox(ctx, cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "scan %s: %v\n", cfg.EmailAddress, err)
				continue
			}
			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Printf("%s:\n%s\n", cfg.EmailAddress, out)
		}

		// Let queued recognition tasks drain before exiting.
		p.dispatcher.Shutdown(5 * time.Minute)
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Ingest documents from the filesystem",
	Long:  "Uploads one or more PDF files into the pipeline and runs recognition synchronously",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		if err := db.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		owner, err := uuid.Parse(ingestOwner)
		if err != nil {
			return fmt.Errorf("invalid --owner: %w", err)
		}

		p := buildPipeline()
		for _, path := range args {
			content, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
				continue
			}
			doc, err := p.ingestor.Ingest(ctx, ingest.Request{
				OwnerID:  owner,
				Filename: filepath.Base(path),
				Content:  content,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
				continue
			}
			if err := p.ingestor.ProcessOCR(ctx, doc.ID); err != nil {
				fmt.Fprintf(os.Stderr, "%s: recognition: %v\n", path, err)
				continue
			}
			fmt.Printf("✓ %s ingested as %s\n", path, doc.ID)
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [document-ids...]",
	Short: "Re-run recognition for documents",
	Long:  "Resets the given documents and runs recognition again; successful documents are only redone with --force",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		if err := db.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		p := buildPipeline()
		for _, arg := range args {
			docID, err := uuid.Parse(arg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: invalid document id: %v\n", arg, err)
				continue
			}
			if err := p.ingestor.RetryOCR(ctx, docID, retryForce); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", docID, err)
				continue
			}
			if err := p.ingestor.ProcessOCR(ctx, docID); err != nil {
				fmt.Fprintf(os.Stderr, "%s: recognition: %v\n", docID, err)
				continue
			}
			fmt.Printf("✓ %s reprocessed\n", docID)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanOwner, "owner", "", "Owner account UUID (required)")
	scanCmd.Flags().Int64Var(&scanConfig, "config", 0, "Scan only this mailbox config ID")
	scanCmd.MarkFlagRequired("owner")

	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "", "Owner account UUID (required)")
	ingestCmd.MarkFlagRequired("owner")

	retryCmd.Flags().BoolVar(&retryForce, "force", false, "Redo recognition even for successful documents")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(retryCmd)
}
