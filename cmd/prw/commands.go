package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"prwpanel/internal/config"
	"prwpanel/internal/dashboard"
	"prwpanel/internal/ingest"
	"prwpanel/internal/snapshot"
	"prwpanel/internal/warehouse"
)

func (a *app) ingestCmd() *cobra.Command {
	var input, output string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load <input>/encounters.xlsx into the warehouse, replacing all rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("input") {
				a.cfg.InputDir = input
			}
			if cmd.Flags().Changed("output") {
				a.cfg.DSN = output
			}
			if err := a.cfg.ValidateIngest(); err != nil {
				return err
			}
			p := ingest.NewPipeline(a.open, ingest.WithLogger(a.log))
			res, err := p.Run(cmd.Context(), a.cfg.InputDir, a.cfg.DSN)
			if err != nil {
				return err
			}
			a.printf("ingested %d patients, %d encounters into %s (run %s)\n",
				res.Patients, res.Encounters, warehouse.RedactDSN(a.cfg.DSN), res.RunID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "directory containing encounters.xlsx (PRW_INPUT_DIR)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "warehouse connection string (PRW_DB_DSN)")
	return cmd
}

func (a *app) snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Publish or verify the dashboard snapshot",
	}
	cmd.AddCommand(a.publishCmd(), a.checkCmd())
	return cmd
}

func (a *app) publishCmd() *cobra.Command {
	var dsn, object string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Copy the warehouse into the (encrypted) snapshot object",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("dsn") {
				a.cfg.DSN = dsn
			}
			if cmd.Flags().Changed("object") {
				a.cfg.Snapshot.Object = object
			}
			if err := a.cfg.ValidatePublish(); err != nil {
				return err
			}
			key, err := a.cfg.SnapshotKey()
			if err != nil {
				return err
			}
			c, err := snapshot.NewCipher(key)
			if err != nil {
				return fmt.Errorf("%w: %v", config.ErrConfig, err)
			}
			ctx := cmd.Context()
			objects, err := a.openBlob(ctx, a.cfg.BlobOptions())
			if err != nil {
				return fmt.Errorf("%w: open blob store: %v", config.ErrConfig, err)
			}
			store, err := a.open(ctx, a.cfg.DSN)
			if err != nil {
				return err
			}
			defer a.closeStore(store, "warehouse")

			res, err := snapshot.NewPublisher(objects, a.cfg.Snapshot.Object, c, a.log).Publish(ctx, store)
			if err != nil {
				return err
			}
			a.printf("published %s (%d bytes, encrypted=%t): %d patients, %d encounters as of %s\n",
				a.cfg.Snapshot.Object, res.Object.Size, c.Encrypted(), res.Patients, res.Encounters,
				res.Modified.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&dsn, "dsn", "d", "", "warehouse connection string (PRW_DB_DSN)")
	cmd.Flags().StringVar(&object, "object", "", "snapshot object key (PRW_SNAPSHOT_OBJECT)")
	return cmd
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Fetch, decrypt and load the snapshot once and report what it holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := snapshot.FromConfig(cmd.Context(), a.cfg, a.log)
			if err != nil {
				return err
			}
			loaded, err := src.Load(cmd.Context())
			if err != nil {
				return err
			}
			ds := loaded.Dataset
			a.printf("snapshot %s ok: encrypted=%t bytes=%d as of %s, %d patients, %d encounters\n",
				loaded.Origin, loaded.Encrypted, loaded.Bytes, ds.Modified.UTC().Format(time.RFC3339),
				len(ds.Patients), len(ds.Encounters))
			return nil
		},
	}
}

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard dataset API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.HTTP.Addr = addr
			}
			if err := a.cfg.ValidateServe(); err != nil {
				return err
			}
			src, err := snapshot.FromConfig(cmd.Context(), a.cfg, a.log)
			if err != nil {
				return err
			}
			metrics := dashboard.NewMetrics()
			h := dashboard.NewHandler(dashboard.NewCache(src, metrics, a.log), metrics, a.log)
			return dashboard.Serve(cmd.Context(), a.cfg.HTTP.Addr, h, a.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (PRW_HTTP_ADDR)")
	return cmd
}

func (a *app) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Control a running dashboard's dataset cache",
	}
	var target string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Invalidate the cached dataset so the next request reloads the snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target == "" {
				target = localURL(a.cfg.HTTP.Addr)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, strings.TrimSuffix(target, "/")+"/clear-cache", nil)
			if err != nil {
				return fmt.Errorf("%w: %v", config.ErrConfig, err)
			}
			resp, err := a.client.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			var body struct {
				Status string `json:"status"`
				Epoch  uint64 `json:"epoch"`
				Error  string `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode response (%s): %w", resp.Status, err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("clear cache: %s: %s", resp.Status, body.Error)
			}
			a.printf("%s (epoch %d)\n", body.Status, body.Epoch)
			return nil
		},
	}
	clearCmd.Flags().StringVar(&target, "url", "", "dashboard base URL (default derived from PRW_HTTP_ADDR)")
	cmd.AddCommand(clearCmd)
	return cmd
}

// localURL turns a listen address such as ":8080" into a loopback base URL.
func localURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func (a *app) keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new base64 snapshot key for PRW_SNAPSHOT_KEY",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			key, err := snapshot.GenerateKey()
			if err != nil {
				return err
			}
			a.printf("%s\n", key)
			return nil
		},
	}
}
