package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/untrace/internal/auth"
	"github.com/ongoingai/untrace/internal/configstore"
)

const keysSchemaVersion = "api-keys.v1"

type createdKeyDocument struct {
	SchemaVersion string     `json:"schema_version"`
	ID            string     `json:"id"`
	Secret        string     `json:"secret"`
	OrgID         string     `json:"org_id"`
	ProjectID     string     `json:"project_id"`
	UserID        string     `json:"user_id"`
	Name          string     `json:"name,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type keyListDocument struct {
	SchemaVersion string        `json:"schema_version"`
	Items         []keyListItem `json:"items"`
}

type keyListItem struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"org_id"`
	ProjectID  string     `json:"project_id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name,omitempty"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func runKeys(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printKeysUsage(errOut)
		return 2
	}

	switch args[0] {
	case "create":
		return runKeysCreate(args[1:], out, errOut)
	case "list":
		return runKeysList(args[1:], out, errOut)
	case "revoke":
		return runKeysRevoke(args[1:], out, errOut)
	default:
		printKeysUsage(errOut)
		return 2
	}
}

func runKeysCreate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("keys create", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	orgRaw := flagSet.String("org", "", "Organization id")
	projectRaw := flagSet.String("project", "", "Project id")
	userRaw := flagSet.String("user", "", "Owning user id")
	name := flagSet.String("name", "", "Display name")
	expiresIn := flagSet.Duration("expires-in", 0, "Key lifetime, for example 720h (0 never expires)")
	format := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "keys create does not accept positional arguments")
		return 2
	}

	orgID, ok := requireFlag(errOut, "keys create", "org", *orgRaw)
	if !ok {
		return 2
	}
	projectID, ok := requireFlag(errOut, "keys create", "project", *projectRaw)
	if !ok {
		return 2
	}
	userID, ok := requireFlag(errOut, "keys create", "user", *userRaw)
	if !ok {
		return 2
	}
	if *expiresIn < 0 {
		fmt.Fprintln(errOut, "expires-in must be >= 0")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("keys create", *format, "text")
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	cfg, ok := loadConfigOrReport(*configPath, errOut)
	if !ok {
		return 1
	}

	ctx := context.Background()
	db, _, err := openStorage(ctx, cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer closeStorageWithWarning(db, errOut)

	secret, err := auth.GenerateSecret()
	if err != nil {
		fmt.Fprintf(errOut, "failed to generate secret: %v\n", err)
		return 1
	}
	now := time.Now().UTC()
	key := configstore.APIKey{
		SecretHash: auth.HashSecret(secret),
		OrgID:      orgID,
		ProjectID:  projectID,
		UserID:     userID,
		Name:       *name,
		CreatedAt:  now,
	}
	if *expiresIn > 0 {
		key.ExpiresAt = now.Add(*expiresIn)
	}

	created, err := configstore.NewSQLStore(db, nil).CreateAPIKey(ctx, key)
	if err != nil {
		fmt.Fprintf(errOut, "failed to create api key: %v\n", err)
		return 1
	}

	doc := createdKeyDocument{
		SchemaVersion: keysSchemaVersion,
		ID:            created.ID,
		Secret:        secret,
		OrgID:         created.OrgID,
		ProjectID:     created.ProjectID,
		UserID:        created.UserID,
		Name:          created.Name,
		CreatedAt:     created.CreatedAt,
		ExpiresAt:     optionalTime(created.ExpiresAt),
	}
	if normalizedFormat == "json" {
		if err := writeJSONDocument(out, doc); err != nil {
			fmt.Fprintf(errOut, "failed to write api key: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(out, "Created API key %s for %s/%s\n", doc.ID, doc.OrgID, doc.ProjectID)
	if doc.ExpiresAt != nil {
		fmt.Fprintf(out, "Expires: %s\n", doc.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Secret: %s\n", secret)
	fmt.Fprintln(out, "Store the secret now; it cannot be shown again.")
	return 0
}

func runKeysList(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("keys list", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	orgRaw := flagSet.String("org", "", "Organization id")
	projectRaw := flagSet.String("project", "", "Project id")
	format := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "keys list does not accept positional arguments")
		return 2
	}
	orgID, ok := requireFlag(errOut, "keys list", "org", *orgRaw)
	if !ok {
		return 2
	}
	projectID, ok := requireFlag(errOut, "keys list", "project", *projectRaw)
	if !ok {
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("keys list", *format, "text")
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	cfg, ok := loadConfigOrReport(*configPath, errOut)
	if !ok {
		return 1
	}

	ctx := context.Background()
	db, _, err := openStorage(ctx, cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer closeStorageWithWarning(db, errOut)

	keys, err := configstore.NewSQLStore(db, nil).ListAPIKeys(ctx, configstore.APIKeyFilter{OrgID: orgID, ProjectID: projectID})
	if err != nil {
		fmt.Fprintf(errOut, "failed to list api keys: %v\n", err)
		return 1
	}

	doc := keyListDocument{SchemaVersion: keysSchemaVersion, Items: make([]keyListItem, 0, len(keys))}
	for _, key := range keys {
		doc.Items = append(doc.Items, keyListItem{
			ID:         key.ID,
			OrgID:      key.OrgID,
			ProjectID:  key.ProjectID,
			UserID:     key.UserID,
			Name:       key.Name,
			Active:     key.Active,
			CreatedAt:  key.CreatedAt,
			ExpiresAt:  optionalTime(key.ExpiresAt),
			LastUsedAt: optionalTime(key.LastUsedAt),
		})
	}

	if normalizedFormat == "json" {
		if err := writeJSONDocument(out, doc); err != nil {
			fmt.Fprintf(errOut, "failed to write api keys: %v\n", err)
			return 1
		}
		return 0
	}

	if len(doc.Items) == 0 {
		fmt.Fprintf(out, "No API keys for %s/%s\n", orgID, projectID)
		return 0
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tUSER\tACTIVE\tLAST USED")
	for _, item := range doc.Items {
		lastUsed := "-"
		if item.LastUsedAt != nil {
			lastUsed = item.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", item.ID, item.Name, item.UserID, item.Active, lastUsed)
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintf(errOut, "failed to write api keys: %v\n", err)
		return 1
	}
	return 0
}

func runKeysRevoke(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("keys revoke", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	orgRaw := flagSet.String("org", "", "Organization id")
	projectRaw := flagSet.String("project", "", "Project id")
	idRaw := flagSet.String("id", "", "API key id")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "keys revoke does not accept positional arguments")
		return 2
	}
	orgID, ok := requireFlag(errOut, "keys revoke", "org", *orgRaw)
	if !ok {
		return 2
	}
	projectID, ok := requireFlag(errOut, "keys revoke", "project", *projectRaw)
	if !ok {
		return 2
	}
	id, ok := requireFlag(errOut, "keys revoke", "id", *idRaw)
	if !ok {
		return 2
	}

	cfg, ok := loadConfigOrReport(*configPath, errOut)
	if !ok {
		return 1
	}

	ctx := context.Background()
	db, _, err := openStorage(ctx, cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer closeStorageWithWarning(db, errOut)

	err = configstore.NewSQLStore(db, nil).DeactivateAPIKey(ctx, id, configstore.APIKeyFilter{OrgID: orgID, ProjectID: projectID})
	if errors.Is(err, configstore.ErrNotFound) {
		fmt.Fprintf(errOut, "api key %s not found in %s/%s\n", id, orgID, projectID)
		return 1
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to revoke api key: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "Revoked API key %s\n", id)
	return 0
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func writeJSONDocument(out io.Writer, doc any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

func printKeysUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  untrace keys create --org ID --project ID --user ID [--name NAME] [--expires-in DURATION] [--format text|json] [--config path/to/untrace.yaml]")
	fmt.Fprintln(out, "  untrace keys list --org ID --project ID [--format text|json] [--config path/to/untrace.yaml]")
	fmt.Fprintln(out, "  untrace keys revoke --org ID --project ID --id KEY_ID [--config path/to/untrace.yaml]")
}
