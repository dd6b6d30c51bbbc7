// Package main is the entry point for coldvaultctl, the ColdVault admin CLI:
// catalog export/import and access key lifecycle management.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
	"gopkg.in/yaml.v3"

	"github.com/coldvault/coldvault/internal/metadata"
	"github.com/coldvault/coldvault/internal/serialization"
	"github.com/coldvault/coldvault/internal/uid"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "coldvaultctl",
	Short: "ColdVault admin CLI",
	Long: `coldvaultctl administers a ColdVault deployment: exporting and
importing the SQLite catalog, and managing access keys.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "coldvault.yaml", "config file path")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides config)")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(accessKeyCmd)
}

// resolveDBPath returns the --db flag if set, otherwise reads the SQLite
// path out of the config file referenced by --config.
func resolveDBPath(cmd *cobra.Command) (string, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath != "" {
		return dbPath, nil
	}

	configPath, _ := cmd.Flags().GetString("config")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	metaSection, _ := raw["metadata"].(map[string]any)
	if metaSection == nil {
		return "./data/metadata.db", nil
	}
	sqliteSection, _ := metaSection["sqlite"].(map[string]any)
	if sqliteSection == nil {
		return "./data/metadata.db", nil
	}
	path, _ := sqliteSection["path"].(string)
	if path == "" {
		return "./data/metadata.db", nil
	}
	return path, nil
}

// Export/import commands

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the catalog to JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		tables, _ := cmd.Flags().GetString("tables")
		includeCreds, _ := cmd.Flags().GetBool("include-credentials")

		if format != "json" {
			return fmt.Errorf("unsupported format: %s", format)
		}

		db, err := resolveDBPath(cmd)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		tableList := serialization.AllTables
		if tables != "" {
			tableList = strings.Split(tables, ",")
			for i := range tableList {
				tableList[i] = strings.TrimSpace(tableList[i])
			}
			valid := make(map[string]bool)
			for _, t := range serialization.AllTables {
				valid[t] = true
			}
			for _, t := range tableList {
				if !valid[t] {
					return fmt.Errorf("invalid table name: %s", t)
				}
			}
		}

		opts := &serialization.ExportOptions{
			Tables:             tableList,
			IncludeCredentials: includeCreds,
		}

		result, err := serialization.ExportMetadata(db, opts)
		if err != nil {
			return fmt.Errorf("exporting: %w", err)
		}

		if output == "-" {
			fmt.Println(result)
			return nil
		}
		if err := os.WriteFile(output, []byte(result+"\n"), 0o644); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Exported to %s\n", output)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a JSON catalog export",
	RunE: func(cmd *cobra.Command, args []string) error {
		input, _ := cmd.Flags().GetString("input")
		replace, _ := cmd.Flags().GetBool("replace")

		db, err := resolveDBPath(cmd)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		var jsonData []byte
		if input == "-" {
			jsonData, err = os.ReadFile("/dev/stdin")
		} else {
			jsonData, err = os.ReadFile(input)
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}

		opts := &serialization.ImportOptions{Replace: replace}

		result, err := serialization.ImportMetadata(db, string(jsonData), opts)
		if err != nil {
			return fmt.Errorf("importing: %w", err)
		}

		for _, table := range serialization.AllTables {
			count, ok := result.Counts[table]
			if !ok {
				continue
			}
			skip := result.Skipped[table]
			msg := fmt.Sprintf("  %s: %d imported", table, count)
			if skip > 0 {
				msg += fmt.Sprintf(", %d skipped", skip)
			}
			fmt.Fprintln(os.Stderr, msg)
		}

		for _, w := range result.Warnings {
			fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
		}

		return nil
	},
}

func init() {
	exportCmd.Flags().String("format", "json", "output format")
	exportCmd.Flags().String("output", "-", "output file path (- for stdout)")
	exportCmd.Flags().String("tables", "", "comma-separated table names (default: all)")
	exportCmd.Flags().Bool("include-credentials", false, "include real secret keys in the export")

	importCmd.Flags().String("input", "-", "input file path (- for stdin)")
	importCmd.Flags().Bool("replace", false, "replace mode (DELETE then INSERT)")
}

// Access key commands

var accessKeyCmd = &cobra.Command{
	Use:     "access-key",
	Aliases: []string{"key"},
	Short:   "Manage access keys",
}

func openMetaStore(cmd *cobra.Command) (*metadata.SQLiteStore, error) {
	db, err := resolveDBPath(cmd)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	store, err := metadata.NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	return store, nil
}

var accessKeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new access key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		accessKeyID, err := generateAccessKeyID()
		if err != nil {
			return fmt.Errorf("generating access key id: %w", err)
		}
		owner, _ := cmd.Flags().GetString("owner")
		display, _ := cmd.Flags().GetString("display-name")
		description, _ := cmd.Flags().GetString("description")

		store, err := openMetaStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		secret, err := generateSecret()
		if err != nil {
			return fmt.Errorf("generating secret: %w", err)
		}

		key := &metadata.AccessKeyRecord{
			AccessKeyID: accessKeyID,
			SecretKey:   secret,
			OwnerID:     owner,
			DisplayName: display,
			Description: description,
			Active:      true,
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.CreateAccessKey(cmd.Context(), key); err != nil {
			return fmt.Errorf("creating access key: %w", err)
		}

		fmt.Printf("Access key created: %s\n", accessKeyID)
		fmt.Printf("  Secret: %s\n", secret)
		fmt.Println("Store this secret now -- it will not be shown again.")
		return nil
	},
}

var accessKeyRotateCmd = &cobra.Command{
	Use:   "rotate ACCESS_KEY_ID",
	Short: "Rotate the secret for an existing access key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accessKeyID := args[0]

		store, err := openMetaStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		secret, err := generateSecret()
		if err != nil {
			return fmt.Errorf("generating secret: %w", err)
		}

		if err := store.RotateAccessKey(cmd.Context(), accessKeyID, secret); err != nil {
			return fmt.Errorf("rotating access key: %w", err)
		}

		fmt.Printf("Access key rotated: %s\n", accessKeyID)
		fmt.Printf("  New secret: %s\n", secret)
		return nil
	},
}

var accessKeyDeactivateCmd = &cobra.Command{
	Use:   "deactivate ACCESS_KEY_ID",
	Short: "Deactivate an access key without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accessKeyID := args[0]

		store, err := openMetaStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeactivateAccessKey(cmd.Context(), accessKeyID); err != nil {
			return fmt.Errorf("deactivating access key: %w", err)
		}

		fmt.Printf("Access key deactivated: %s\n", accessKeyID)
		return nil
	},
}

var accessKeyDeleteCmd = &cobra.Command{
	Use:   "delete ACCESS_KEY_ID",
	Short: "Delete an access key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accessKeyID := args[0]

		store, err := openMetaStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteAccessKey(cmd.Context(), accessKeyID); err != nil {
			return fmt.Errorf("deleting access key: %w", err)
		}

		fmt.Printf("Access key deleted: %s\n", accessKeyID)
		return nil
	},
}

var accessKeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List access keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openMetaStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		keys, err := store.ListAccessKeys(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing access keys: %w", err)
		}

		if len(keys) == 0 {
			fmt.Println("No access keys found")
			return nil
		}

		fmt.Printf("%-25s %-10s %-20s %s\n", "ACCESS_KEY_ID", "ACTIVE", "OWNER", "CREATED")
		for _, k := range keys {
			fmt.Printf("%-25s %-10t %-20s %s\n", k.AccessKeyID, k.Active, k.OwnerID, k.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	accessKeyCreateCmd.Flags().String("owner", "", "owner ID to associate with the key")
	accessKeyCreateCmd.Flags().String("display-name", "", "human-readable label for the key")
	accessKeyCreateCmd.Flags().String("description", "", "free-text admin-facing description")

	accessKeyCmd.AddCommand(accessKeyCreateCmd)
	accessKeyCmd.AddCommand(accessKeyRotateCmd)
	accessKeyCmd.AddCommand(accessKeyDeactivateCmd)
	accessKeyCmd.AddCommand(accessKeyDeleteCmd)
	accessKeyCmd.AddCommand(accessKeyListCmd)
}

// generateSecret produces a 40-character base64 secret key, matching the
// length convention of AWS-style secret access keys.
func generateSecret() (string, error) {
	buf := make([]byte, 30)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

const accessKeyIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateAccessKeyID produces an access key id: an 8-character opaque
// prefix ("AKCV" plus 4 hex characters sourced from internal/uid.New())
// followed by 16 random uppercase alphanumerics.
func generateAccessKeyID() (string, error) {
	prefix := "AKCV" + uid.New()[:4]

	suffix := make([]byte, 16)
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	for i, b := range raw {
		suffix[i] = accessKeyIDAlphabet[int(b)%len(accessKeyIDAlphabet)]
	}

	return prefix + string(suffix), nil
}
