package cli

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cms-dev/cms-sub006/internal/filestorage"
)

func newSubmitCmd() *cobra.Command {
	var taskName string
	var tokened bool
	var noUpload bool

	cmd := &cobra.Command{
		Use:   "submit <source-file>",
		Short: "Submit a source file for evaluation",
		Long: "Upload the source to the file store (when --config is set), then create " +
			"a submission on the evaluation service.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourcePath := args[0]
			if taskName == "" {
				return fmt.Errorf("--task is required")
			}

			source, err := os.ReadFile(sourcePath)
			if err != nil {
				return fmt.Errorf("read source: %w", err)
			}
			sum := sha1.Sum(source)
			digest := hex.EncodeToString(sum[:])

			// Upload so workers can fetch the source by digest. Without a
			// cluster config the digest alone is recorded.
			if flagConfig != "" && !noUpload {
				if err := uploadSource(source, sourcePath); err != nil {
					return fmt.Errorf("upload source: %w", err)
				}
				fmt.Printf("Source stored: %s\n", digest)
			} else {
				logger.Debug("skipping file store upload", "digest", digest)
			}

			resp, err := client.Post("/api/v1/submissions", map[string]any{
				"task_name":     taskName,
				"source_digest": digest,
				"tokened":       tokened,
			})
			if err != nil {
				return fmt.Errorf("create submission: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			id, ok := data["id"].(string)
			if !ok {
				return fmt.Errorf("submission response missing 'id' field")
			}
			fmt.Printf("Submission created: %s (task: %s)\n", id, taskName)
			return nil
		},
	}

	cmd.Flags().StringVarP(&taskName, "task", "t", "", "Task the submission is for (required)")
	cmd.Flags().BoolVar(&tokened, "tokened", false, "Spend a token on this submission")
	cmd.Flags().BoolVar(&noUpload, "no-upload", false, "Record the digest without uploading the source")
	return cmd
}

func uploadSource(source []byte, sourcePath string) error {
	remote, stop, err := dialRemote(filestorage.Coord)
	if err != nil {
		return err
	}
	defer stop()

	cacheDir, err := os.MkdirTemp("", "cmsctl-cache-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(cacheDir)

	fc, err := filestorage.NewFileClient(remote, cacheDir, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = fc.Put(ctx, source, "submission source "+filepath.Base(sourcePath))
	return err
}
