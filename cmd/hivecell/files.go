package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hiveflow/hiveflow/internal/cell"
)

func newPutCmd() *cobra.Command {
	var (
		fileID   string
		mimeType string
		category string
		tags     []string
	)

	cmd := &cobra.Command{
		Use:   "put <path>",
		Short: "Store a file",
		Long: `Store a file as content-addressed chunks.

Storing under an existing ID creates the next version and releases the
previous version's chunks. Without --id a random ID is generated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer func() { _ = f.Close() }()

			tagMap, err := parseTags(tags)
			if err != nil {
				return err
			}
			if fileID == "" {
				fileID = uuid.NewString()
			}
			if mimeType == "" {
				mimeType = mime.TypeByExtension(filepath.Ext(path))
			}
			if mimeType == "" {
				mimeType = "application/octet-stream"
			}

			spec := cell.FileSpec{
				FileID:   fileID,
				Name:     filepath.Base(path),
				MimeType: mimeType,
				Tags:     tagMap,
			}
			if cmd.Flags().Changed("category") {
				spec.Category = &category
			}

			c, _, err := openCell(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			info, err := c.StoreFile(cmd.Context(), spec, f)
			if err != nil {
				return err
			}

			fmt.Printf("Stored %s (version %d)\n", info.FileID, info.Version)
			fmt.Printf("  Size:   %s in %d chunks\n", humanize.IBytes(info.Size), info.ChunkCount())
			return nil
		},
	}
	cmd.Flags().StringVar(&fileID, "id", "", "file ID (default: random UUID)")
	cmd.Flags().StringVar(&mimeType, "mime", "", "MIME type (default: from extension)")
	cmd.Flags().StringVar(&category, "category", "", "file category")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "tag as key=value (repeatable)")
	return cmd
}

func newGetCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <file-id>",
		Short: "Reconstruct a stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := openCell(cmd.Context(), cmd)
			if err != nil {
				return err
			}

			var w io.Writer = os.Stdout
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer func() { _ = f.Close() }()
				w = f
			}

			n, err := c.ReadFile(cmd.Context(), args[0], w)
			if err != nil {
				if output != "" && output != "-" {
					_ = os.Remove(output)
				}
				return err
			}
			if output != "" && output != "-" {
				fmt.Fprintf(os.Stderr, "Wrote %s to %s\n", humanize.IBytes(uint64(n)), output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: stdout)")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <file-id>",
		Short: "Show a file's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := openCell(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			info, err := c.Metadata().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printFileInfo(os.Stdout, info)
			return nil
		},
	}
}

func printFileInfo(out io.Writer, info *cell.FileInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", info.FileID)
	_, _ = fmt.Fprintf(w, "Name:\t%s\n", info.Name)
	_, _ = fmt.Fprintf(w, "MIME:\t%s\n", info.MimeType)
	if info.Category != nil {
		_, _ = fmt.Fprintf(w, "Category:\t%s\n", *info.Category)
	}
	_, _ = fmt.Fprintf(w, "Size:\t%s (%d bytes)\n", humanize.IBytes(info.Size), info.Size)
	_, _ = fmt.Fprintf(w, "Chunks:\t%d x %s\n", info.ChunkCount(), humanize.IBytes(uint64(info.ChunkSize)))
	_, _ = fmt.Fprintf(w, "Version:\t%d\n", info.Version)
	_, _ = fmt.Fprintf(w, "Created:\t%s\n", time.Unix(int64(info.CreatedAt), 0).UTC().Format(time.RFC3339))
	if sum, ok := info.Checksums[cell.ChecksumSHA256]; ok {
		_, _ = fmt.Fprintf(w, "SHA-256:\t%s\n", hex.EncodeToString(sum))
	}
	if len(info.Tags) > 0 {
		keys := make([]string, 0, len(info.Tags))
		for k := range info.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+info.Tags[k])
		}
		_, _ = fmt.Fprintf(w, "Tags:\t%s\n", strings.Join(pairs, ", "))
	}
	_ = w.Flush()
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <file-id>",
		Aliases: []string{"delete"},
		Short:   "Release a file and its chunk references",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := openCell(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			if err := c.ReleaseFile(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Released %s\n", args[0])
			return nil
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List stored files",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := openCell(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			ids, err := c.Metadata().List(cmd.Context())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No files stored.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tSIZE\tCHUNKS\tVERSION")
			for _, id := range ids {
				info, err := c.Metadata().Get(cmd.Context(), id)
				if err != nil {
					if errors.Is(err, cell.ErrCorruptMetadata) {
						_, _ = fmt.Fprintf(w, "%s\t<corrupt>\t-\t-\t-\n", id)
						continue
					}
					return err
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
					info.FileID, info.Name, humanize.IBytes(info.Size), info.ChunkCount(), info.Version)
			}
			return w.Flush()
		},
	}
}
