package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"engagecrm/internal/config"
	"engagecrm/internal/models"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// seedNamespace derives stable ids so reruns hit the same rows
var seedNamespace = uuid.MustParse("6f1c5d7e-2a4b-4c3d-9e8f-0a1b2c3d4e5f")

var (
	tenantFlag    = flag.String("tenant", "", "Tenant id to seed (default: derived demo tenant)")
	contactsCount = flag.Int("contacts", 12, "Number of contacts to create")
	instanceURL   = flag.String("instance-url", "", "Provider base URL stored on the seeded instance")
	clearData     = flag.Bool("clear", false, "Clear the tenant's seed data before inserting")
	showHelp      = flag.Bool("help", false, "Show usage information")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}

	_ = godotenv.Load()

	printInfo("=== engagecrm seeder ===\n")

	cfg, err := config.Load()
	if err != nil {
		printError(fmt.Sprintf("Failed to load configuration: %v", err))
		os.Exit(1)
	}

	if !cfg.IsDevelopment() {
		printWarning(fmt.Sprintf("ENV is %q; seeding demo data into a non-development database", cfg.Env))
	}

	db, err := sql.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		printError(fmt.Sprintf("Failed to open database connection: %v", err))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		printError(fmt.Sprintf("Failed to ping database: %v", err))
		os.Exit(1)
	}

	tenantID := *tenantFlag
	if tenantID == "" {
		tenantID = stableID("tenant").String()
	}

	if *clearData {
		if err := clearTenant(db, tenantID); err != nil {
			printError(fmt.Sprintf("Failed to clear seed data: %v", err))
			os.Exit(1)
		}
	}

	tx, err := db.Begin()
	if err != nil {
		printError(fmt.Sprintf("Failed to begin transaction: %v", err))
		os.Exit(1)
	}
	defer tx.Rollback()

	instanceID, err := seedInstance(tx, tenantID)
	if err != nil {
		printError(fmt.Sprintf("Failed to seed instance: %v", err))
		os.Exit(1)
	}

	created, err := seedContacts(tx, tenantID, *contactsCount)
	if err != nil {
		printError(fmt.Sprintf("Failed to seed contacts: %v", err))
		os.Exit(1)
	}

	segmentID, err := seedSegment(tx, tenantID)
	if err != nil {
		printError(fmt.Sprintf("Failed to seed segment: %v", err))
		os.Exit(1)
	}

	campaignID, err := seedCampaign(tx, tenantID, segmentID, instanceID)
	if err != nil {
		printError(fmt.Sprintf("Failed to seed campaign: %v", err))
		os.Exit(1)
	}

	if err := tx.Commit(); err != nil {
		printError(fmt.Sprintf("Failed to commit: %v", err))
		os.Exit(1)
	}

	printInfo("\n=== Seeding Summary ===")
	printSuccess(fmt.Sprintf("tenant:   %s", tenantID))
	printSuccess(fmt.Sprintf("instance: %s", instanceID))
	printSuccess(fmt.Sprintf("contacts: %d created", created))
	printSuccess(fmt.Sprintf("segment:  %s", segmentID))
	printSuccess(fmt.Sprintf("campaign: %s (draft)", campaignID))
	printInfo(fmt.Sprintf("\ncurl -X POST localhost:%s/send-campaign -d '{\"campaignId\":\"%s\"}'", cfg.Server.Port, campaignID))
}

func stableID(parts ...string) uuid.UUID {
	name := ""
	for _, p := range parts {
		name += "/" + p
	}
	return uuid.NewSHA1(seedNamespace, []byte(name))
}

func clearTenant(db *sql.DB, tenantID string) error {
	printWarning("Clearing existing seed data...")

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM campaigns WHERE tenant_id = $1`,
		`DELETE FROM segments WHERE tenant_id = $1`,
		`DELETE FROM contacts WHERE tenant_id = $1`,
		`DELETE FROM blocked_numbers WHERE tenant_id = $1`,
		`DELETE FROM whatsapp_instances WHERE tenant_id = $1`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt, tenantID); err != nil {
			return fmt.Errorf("failed to clear tenant data: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	printSuccess("Seed data cleared\n")
	return nil
}

func seedInstance(tx *sql.Tx, tenantID string) (string, error) {
	id := stableID(tenantID, "instance").String()

	var apiURL *string
	if *instanceURL != "" {
		apiURL = instanceURL
	}

	_, err := tx.Exec(`
		INSERT INTO whatsapp_instances (id, tenant_id, instance_name, status, api_url, daily_message_limit)
		VALUES ($1, $2, $3, 'open', $4, 200)
		ON CONFLICT (id) DO NOTHING
	`, id, tenantID, "demo-instance", apiURL)
	if err != nil {
		return "", fmt.Errorf("failed to insert instance: %w", err)
	}
	return id, nil
}

// seedContacts inserts contacts in a few cities. One number is blocked and
// one pair differs only in formatting, so resolution shows dedup and blocklist.
func seedContacts(tx *sql.Tx, tenantID string, count int) (int, error) {
	printInfo(fmt.Sprintf("Seeding %d contacts...", count))

	names := []string{"Ana Souza", "Bruno Lima", "Carla Dias", "Diego Rocha", "Elisa Prado", "Felipe Nunes", "Gabriela Reis", "Henrique Melo"}
	cities := []string{"São Paulo", "Rio de Janeiro", "Curitiba", "Recife"}
	plans := []string{"gold", "silver", "bronze"}

	created := 0
	for i := 1; i <= count; i++ {
		phone := fmt.Sprintf("+55119%08d", 10000000+i)
		if i == count && count > 1 {
			// same number as contact 1 written without the country code
			phone = fmt.Sprintf("119%08d", 10000000+1)
		}

		var city *string
		if i%4 != 0 {
			city = stringPtr(cities[i%len(cities)])
		}

		custom, err := json.Marshal(map[string]string{"plan": plans[i%len(plans)]})
		if err != nil {
			return created, err
		}

		result, err := tx.Exec(`
			INSERT INTO contacts (id, tenant_id, name, phone, address_city, custom_fields)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, phone) DO NOTHING
		`, stableID(tenantID, "contact", phone).String(), tenantID, names[i%len(names)], phone, city, custom)
		if err != nil {
			return created, fmt.Errorf("failed to insert contact %s: %w", phone, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			created++
		}
	}

	if count >= 2 {
		blocked := fmt.Sprintf("+55119%08d", 10000000+2)
		_, err := tx.Exec(`
			INSERT INTO blocked_numbers (tenant_id, phone, reason)
			VALUES ($1, $2, 'opted out')
			ON CONFLICT (tenant_id, phone) DO NOTHING
		`, tenantID, blocked)
		if err != nil {
			return created, fmt.Errorf("failed to insert blocked number: %w", err)
		}
	}

	printSuccess(fmt.Sprintf("Seeded %d contacts (skipped %d existing)", created, count-created))
	return created, nil
}

func seedSegment(tx *sql.Tx, tenantID string) (string, error) {
	id := stableID(tenantID, "segment").String()
	filters, err := json.Marshal([]models.Filter{
		{Field: "phone", Operator: models.OperatorStartsWith, Value: "+55"},
		{Field: "custom.plan", Operator: models.OperatorNotEquals, Value: "bronze"},
	})
	if err != nil {
		return "", err
	}

	_, err = tx.Exec(`
		INSERT INTO segments (id, tenant_id, name, filters)
		VALUES ($1, $2, 'Brazil non-bronze', $3)
		ON CONFLICT (id) DO NOTHING
	`, id, tenantID, filters)
	if err != nil {
		return "", fmt.Errorf("failed to insert segment: %w", err)
	}
	return id, nil
}

func seedCampaign(tx *sql.Tx, tenantID, segmentID, instanceID string) (string, error) {
	id := stableID(tenantID, "campaign").String()
	_, err := tx.Exec(`
		INSERT INTO campaigns (id, tenant_id, name, message_template, segment_id, instance_id,
			sending_rate_per_minute, business_hours_only, business_hours_start, business_hours_end, business_hours_timezone)
		VALUES ($1, $2, 'Spring promo', $3, $4, $5, 30, FALSE, '09:00', '18:00', 'America/Sao_Paulo')
		ON CONFLICT (id) DO NOTHING
	`, id, tenantID, "Olá {{primeiro_nome}}! Clientes {{custom.plan}} em {{address_city}} ganham 10% hoje.", segmentID, instanceID)
	if err != nil {
		return "", fmt.Errorf("failed to insert campaign: %w", err)
	}
	return id, nil
}

func stringPtr(s string) *string {
	return &s
}

func printSuccess(msg string) {
	fmt.Printf("%s%s%s\n", colorGreen, msg, colorReset)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s%s%s\n", colorRed, msg, colorReset)
}

func printInfo(msg string) {
	fmt.Printf("%s%s%s\n", colorCyan, msg, colorReset)
}

func printWarning(msg string) {
	fmt.Printf("%s%s%s\n", colorYellow, msg, colorReset)
}

func printUsage() {
	printInfo("=== engagecrm seeder ===\n")
	fmt.Println("Usage: seed [flags]")
	fmt.Println("\nFlags:")
	flag.PrintDefaults()
	fmt.Println("\nThe seeder is idempotent; ids are derived from the tenant id.")
}
